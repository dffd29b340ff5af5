package api

import (
	"context"
	"fmt"
	stdlog "log"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/agentry/partyline/pkg/bridge"
	"github.com/agentry/partyline/pkg/log"
)

// defaultRecvWait is the recv blocking window when the caller passes no
// wait_seconds: effectively "until something arrives or a day passes".
const defaultRecvWait = 86400

// Server exposes one session's bridge as an MCP tool server over stdio.
// stdout carries the protocol, so all logging stays on stderr.
type Server struct {
	mcp    *server.MCPServer
	bridge *bridge.Bridge
	logger zerolog.Logger
}

// NewServer builds the MCP server and registers the four bus tools.
func NewServer(b *bridge.Bridge, version string) *Server {
	s := &Server{
		bridge: b,
		logger: log.WithComponent("api"),
	}

	hooks := &server.Hooks{}
	hooks.AddAfterCallTool(func(ctx context.Context, id any, message *mcp.CallToolRequest, result *mcp.CallToolResult) {
		if message != nil {
			s.logger.Debug().Str("tool", message.Params.Name).Msg("tool call completed")
		}
	})

	s.mcp = server.NewMCPServer(
		"partyline",
		version,
		server.WithInstructions(InstructionsText()),
		server.WithToolHandlerMiddleware(s.recoveryMiddleware),
		server.WithHooks(hooks),
	)
	s.registerTools()
	return s
}

// ServeStdio runs the protocol loop over stdin/stdout until ctx ends or
// stdin closes.
func (s *Server) ServeStdio(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(stdlog.New(s.logger, "", 0))
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("get_status",
		mcp.WithDescription("List every online agent with its id, working directory, leader flag and current state."),
	), s.handleGetStatus)

	s.mcp.AddTool(mcp.NewTool("send",
		mcp.WithDescription("Send a message to one agent, a comma-separated list of agents, or 'all' for every other online agent."),
		mcp.WithString("to",
			mcp.Required(),
			mcp.Description("Recipient agent id, comma-separated ids, or 'all'."),
		),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("Message text."),
		),
	), s.handleSend)

	s.mcp.AddTool(mcp.NewTool("recv",
		mcp.WithDescription("Receive pending messages. Blocks up to wait_seconds when the inbox is empty; pass 0 to poll. A newer tool call cancels the wait."),
		mcp.WithNumber("wait_seconds",
			mcp.DefaultNumber(defaultRecvWait),
			mcp.Description("Seconds to block waiting for mail. 0 or negative returns immediately."),
		),
	), s.handleRecv)

	s.mcp.AddTool(mcp.NewTool("rename",
		mcp.WithDescription("Change this agent's id to a memorable name (letters, digits, underscore, hyphen; max 32 chars)."),
		mcp.WithString("new_name",
			mcp.Required(),
			mcp.Description("The new agent id."),
		),
	), s.handleRename)
}

func (s *Server) handleGetStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(s.bridge.GetStatus(ctx)), nil
}

func (s *Server) handleSend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	to, err := req.RequireString("to")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(s.bridge.Send(ctx, to, content)), nil
}

func (s *Server) handleRecv(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wait := req.GetInt("wait_seconds", defaultRecvWait)
	return mcp.NewToolResultText(s.bridge.Recv(ctx, wait)), nil
}

func (s *Server) handleRename(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	newName, err := req.RequireString("new_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(s.bridge.Rename(ctx, newName)), nil
}

// recoveryMiddleware keeps a panicking handler from tearing down the stdio
// loop and times every call.
func (s *Server) recoveryMiddleware(next server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (res *mcp.CallToolResult, err error) {
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().
					Interface("panic", r).
					Str("tool", req.Params.Name).
					Msg("tool handler panicked")
				res = mcp.NewToolResultError(fmt.Sprintf("internal error: %v", r))
				err = nil
			}
			s.logger.Debug().
				Str("tool", req.Params.Name).
				Dur("duration", time.Since(start)).
				Msg("tool call")
		}()
		return next(ctx, req)
	}
}
