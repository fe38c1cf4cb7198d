// Command mcpchat connects to an MCP tool-hosting server and runs an
// interactive chat where the model can call the server's tools.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpchat/chat"
	"github.com/effective-security/mcpchat/llmfactory"
	"github.com/effective-security/mcpchat/mcp"
	"github.com/effective-security/mcpchat/pkg/llms"
	"github.com/effective-security/mcpchat/pkg/llms/anthropic"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
)

const (
	defaultModel = "claude-3-5-sonnet-20241022"

	// maxOutputTokens caps each model response.
	maxOutputTokens = 1000
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "mcpchat: %s\n", err.Error())
		os.Exit(1)
	}
}

func run(args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("mcpchat", flag.ContinueOnError)
	cfgFile := fs.String("cfg", "", "LLM provider configuration file")
	model := fs.String("model", "", "model name")
	maxTurns := fs.Int("max-turns", chat.DefaultMaxTurns, "maximum model turns per query")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() != 1 {
		return errors.New("usage: mcpchat [flags] <server script (.py or .js)>")
	}
	serverPath := fs.Arg(0)

	xlog.SetFormatter(xlog.NewStringFormatter(os.Stderr))
	if *debug {
		xlog.SetGlobalLogLevel(xlog.DEBUG)
	} else {
		xlog.SetGlobalLogLevel(xlog.ERROR)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	llm, err := loadModel(*cfgFile, *model)
	if err != nil {
		return err
	}

	var sessOpts []mcp.SessionOption
	if os.Getenv("MCP_SERVER_EXTERNAL") != "" {
		sessOpts = append(sessOpts, mcp.WithExternalServer())
	}

	session, err := mcp.Connect(ctx, serverPath, sessOpts...)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Initialize(ctx); err != nil {
		return err
	}

	catalog, err := chat.LoadCatalog(ctx, session)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Connected to server with tools: %s\n", strings.Join(catalog.Names(), ", "))

	ch := chat.New(llm, session, catalog,
		chat.WithMaxTurns(*maxTurns),
		chat.WithMaxTokens(maxOutputTokens),
		chat.WithCallback(chat.NewLogCallback()),
	)
	return chat.NewDriver(ch, in, out).Run(ctx)
}

// loadModel builds the model client from the config file when given,
// otherwise directly from the Anthropic environment.
func loadModel(cfgFile, model string) (llms.Model, error) {
	if cfgFile != "" {
		f, err := llmfactory.Load(cfgFile)
		if err != nil {
			return nil, err
		}
		if model != "" {
			return f.DefaultModel(model)
		}
		return f.DefaultModel()
	}
	return anthropic.New(
		anthropic.WithModel(values.StringsCoalesce(model, defaultModel)),
	)
}
