// Command cachectl starts a cachecore data-plane runtime and exposes its
// CLI wire surface on a TCP listener. It wires the pieces together but
// does not implement a command language of its own: the handful of
// commands registered here (ping, param.show, vsl.mask, quit) exist to prove the
// framing and auth gating work, not to replace an external management
// process's command set.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/cachecore/cachecore"
	"github.com/cachecore/cachecore/internal/cliproto"
	"github.com/cachecore/cachecore/internal/expiry"
	"github.com/cachecore/cachecore/internal/logging"
)

func main() {
	var (
		listen    = flag.String("listen", "127.0.0.1:6082", "CLI listen address")
		vsmPath   = flag.String("vsm-path", "", "file path for the VSM arena (empty = heap-backed)")
		vslSpace  = flag.String("vsl-space", "80M", "VSL ring size (e.g. 80M, 1G)")
		verbose   = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	logConfig.Format = "text"
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	space, err := parseSize(*vslSpace)
	if err != nil {
		logger.Error("invalid -vsl-space", "error", err)
		os.Exit(1)
	}

	params := cachecore.DefaultParams()
	params.VSLSpace = uint32(space)
	params.VSMPath = *vsmPath

	rt, err := cachecore.NewRuntime(params)
	if err != nil {
		logger.Error("failed to build runtime", "error", err)
		os.Exit(1)
	}

	if err := rt.Start(func(o *expiry.ObjCore) {
		logger.Debug("object expired")
	}); err != nil {
		logger.Error("failed to start runtime", "error", err)
		os.Exit(1)
	}
	defer rt.Stop()

	registerBuiltins(rt)

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		logger.Error("failed to listen", "addr", *listen, "error", err)
		os.Exit(1)
	}

	srv := cliproto.NewServer(rt.CLI)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- srv.Serve(ctx, ln) }()

	logger.Info("cachectl listening", "addr", *listen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
		cancel()
		srv.Close()
	case err := <-serveErrCh:
		if err != nil {
			logger.Error("cli server stopped", "error", err)
		}
	}
}

func registerBuiltins(rt *cachecore.Runtime) {
	rt.CLI.Register(&cliproto.Command{
		Name:     "ping",
		MinArgs:  0,
		MaxArgs:  0,
		Required: cliproto.AuthNone,
		Run: func(ctx context.Context, sess *cliproto.Session, args []string) cliproto.Response {
			return cliproto.Response{Status: cliproto.StatusOK, Body: "pong"}
		},
	})

	rt.CLI.Register(&cliproto.Command{
		Name:     "param.show",
		MinArgs:  0,
		MaxArgs:  0,
		Required: cliproto.AuthReadOnly,
		Run: func(ctx context.Context, sess *cliproto.Session, args []string) cliproto.Response {
			p := rt.Params
			body := fmt.Sprintf(
				"vsl_space = %d\nvsl_reclen = %d\nsend_timeout = %s\ndefault_grace = %s",
				p.VSLSpace, p.VSLRecLen, p.SendTimeout, p.DefaultGrace,
			)
			return cliproto.Response{Status: cliproto.StatusOK, Body: body}
		},
	})

	rt.CLI.Register(&cliproto.Command{
		Name:     "vsl.mask",
		MinArgs:  1,
		MaxArgs:  1,
		Required: cliproto.AuthReadOnly,
		Run: func(ctx context.Context, sess *cliproto.Session, args []string) cliproto.Response {
			tag, err := strconv.ParseUint(args[0], 10, 8)
			if err != nil {
				return cliproto.Response{Status: cliproto.StatusParam, Body: "tag must be 0-255"}
			}
			if rt.Params.TagSuppressed(uint8(tag)) {
				return cliproto.Response{Status: cliproto.StatusOK, Body: "suppressed"}
			}
			return cliproto.Response{Status: cliproto.StatusOK, Body: "visible"}
		},
	})

	rt.CLI.Register(&cliproto.Command{
		Name:     "quit",
		MinArgs:  0,
		MaxArgs:  0,
		Required: cliproto.AuthNone,
		Run: func(ctx context.Context, sess *cliproto.Session, args []string) cliproto.Response {
			return cliproto.Response{Status: cliproto.StatusClose, Body: "bye"}
		},
	})
}

// parseSize parses a size string like "64M", "1G", "512K".
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string

	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	default:
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}

	return num * multiplier, nil
}
