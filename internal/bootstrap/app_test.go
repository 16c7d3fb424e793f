package bootstrap

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestServe_SurfacesListenFailure(t *testing.T) {
	// Occupy a port so ListenAndServe fails immediately.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	app := &App{
		Log:        quietLogger(),
		HTTPServer: &http.Server{Addr: ln.Addr().String()},
	}

	errs := app.serve()

	select {
	case err := <-errs:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listen failure was not reported")
	}
}

func TestServe_QuietOnGracefulShutdown(t *testing.T) {
	app := &App{
		Log:        quietLogger(),
		HTTPServer: &http.Server{Addr: "127.0.0.1:0"},
	}

	errs := app.serve()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, app.HTTPServer.Shutdown(ctx))

	select {
	case err := <-errs:
		t.Fatalf("graceful shutdown reported an error: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}
