package main

import (
	"bytes"
	"context"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeffersonwarrior/myco/client"
	"github.com/jeffersonwarrior/myco/grain"
	"github.com/jeffersonwarrior/myco/internal/config"
	"github.com/jeffersonwarrior/myco/internal/obs"
	"github.com/jeffersonwarrior/myco/internal/version"
	"github.com/jeffersonwarrior/myco/server"
	"github.com/jeffersonwarrior/myco/transport"
)

func TestVersionCommand(t *testing.T) {
	cli := newCLI()
	var out bytes.Buffer
	cli.rootCmd.SetOut(&out)
	cli.rootCmd.SetArgs([]string{"version"})
	require.NoError(t, cli.Execute())
	assert.Equal(t, "myco "+version.Version()+"\n", out.String())
}

func TestLogLevelFlagOverridesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "myco.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: error\n"), 0644))

	cli := newCLI()
	cli.configPath = path
	cfg, logger := cli.loadConfig()
	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, obs.Error, logger.(obs.StdLogger).Min)

	cli.logLevel = "debug"
	cfg, logger = cli.loadConfig()
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, obs.Debug, logger.(obs.StdLogger).Min)
}

func TestClientConfig(t *testing.T) {
	base := config.DefaultConfig().Client

	cc, err := clientConfig(base, nil)
	require.NoError(t, err)
	assert.Equal(t, "std", cc.TLSBackend.Name())
	assert.Nil(t, cc.Proxy)
	assert.Equal(t, 8, cc.MaxIdlePerOrigin)

	withProxy := base
	withProxy.Proxy = "http://proxy.test:3128"
	cc, err = clientConfig(withProxy, nil)
	require.NoError(t, err)
	u, err := cc.Proxy(&url.URL{Scheme: "http", Host: "example.test"})
	require.NoError(t, err)
	assert.Equal(t, "proxy.test:3128", u.Host)

	fromEnv := base
	fromEnv.Proxy = "env"
	t.Setenv("HTTP_PROXY", "http://env-proxy.test:8080")
	t.Setenv("NO_PROXY", "")
	t.Setenv("no_proxy", "")
	cc, err = clientConfig(fromEnv, nil)
	require.NoError(t, err)
	u, err = cc.Proxy(&url.URL{Scheme: "http", Host: "example.test"})
	require.NoError(t, err)
	assert.Equal(t, "env-proxy.test:8080", u.Host)

	bad := base
	bad.TLSBackend = "openssl"
	_, err = clientConfig(bad, nil)
	assert.Error(t, err)

	bad = base
	bad.Proxy = "http://[::1"
	_, err = clientConfig(bad, nil)
	assert.Error(t, err)
}

func TestServerConfig(t *testing.T) {
	cfg := config.DefaultConfig().Server
	sc, err := serverConfig(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", sc.Addr())
	assert.Nil(t, sc.Acceptor)

	cfg.TLSCert = filepath.Join(t.TempDir(), "missing.pem")
	cfg.TLSKey = cfg.TLSCert
	_, err = serverConfig(cfg, nil)
	assert.Error(t, err)
}

// serveApp runs h on an in-memory listener and returns a client for it.
func serveApp(t *testing.T, h grain.Handler) *client.Client {
	t.Helper()
	mem := transport.NewMemoryNetwork()
	ln, err := mem.Listen("myco.test:80")
	require.NoError(t, err)
	srv := server.New(server.Config{}, h)
	go srv.Serve(context.Background(), ln)
	t.Cleanup(func() { srv.Close() })
	c := client.New(client.Config{Connector: mem})
	t.Cleanup(c.CloseIdle)
	return c
}

func TestAppIndex(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Log.AccessDB = filepath.Join(t.TempDir(), "access.db")
	a, err := newApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()
	c := serveApp(t, a.handler)
	ctx := context.Background()

	status, header, body, err := c.Fetch(ctx, "http://myco.test/")
	require.NoError(t, err)
	assert.Equal(t, 200, status)
	assert.Equal(t, "myco "+version.Version()+"\n", string(body))
	assert.NotEmpty(t, header.Get("X-Request-Id"))

	status, _, _, err = c.Fetch(ctx, "http://myco.test/nope")
	require.NoError(t, err)
	assert.Equal(t, 404, status)

	conn, err := c.Post(ctx, "http://myco.test/", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, 405, conn.Status())
	assert.Equal(t, "GET, HEAD", conn.ResponseHeaders().Get("Allow"))
	require.NoError(t, conn.Recycle(ctx))

	recent, err := a.sink.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, 405, recent[0].Status)
	assert.Equal(t, 404, recent[1].Status)
	assert.Equal(t, header.Get("X-Request-Id"), recent[2].RequestID)
}

func TestAppProxiesToUpstream(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	upstream := server.New(server.Config{}, grain.HandlerFunc(func(c *grain.Conn) *grain.Conn {
		return c.Ok("upstream saw " + c.Path())
	}))
	go upstream.Serve(context.Background(), ln)
	defer upstream.Close()

	cfg := config.DefaultConfig()
	cfg.Upstream = "http://" + ln.Addr().String() + "/api"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := newApp(ctx, cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	c := serveApp(t, a.handler)
	status, header, body, err := c.Fetch(context.Background(), "http://myco.test/items")
	require.NoError(t, err)
	assert.Equal(t, 200, status)
	assert.Equal(t, "upstream saw /api/items", string(body))
	assert.Equal(t, "1.1 myco", header.Get("Via"))
	assert.Equal(t, 1, a.client.Pool().Len())
}

func TestAppRejectsBadUpstream(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Upstream = "gopher://old.test"
	_, err := newApp(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestFetch(t *testing.T) {
	c := serveApp(t, grain.HandlerFunc(func(c *grain.Conn) *grain.Conn {
		body, _ := c.ReadRequestBody(0)
		return c.WithHeader("X-Echo-Method", c.Method()).
			WithHeader("X-Echo-Token", c.RequestHeaders().Get("X-Token")).
			Ok(string(body))
	}))

	dataFile := filepath.Join(t.TempDir(), "body.txt")
	require.NoError(t, os.WriteFile(dataFile, []byte("from file"), 0644))

	tests := []struct {
		name string
		opts fetchOptions
		want []string
	}{
		{"plain get", fetchOptions{method: "GET"}, []string{""}},
		{"post data", fetchOptions{method: "post", data: "hello"}, []string{"hello"}},
		{"data file", fetchOptions{method: "PUT", data: "@" + dataFile}, []string{"from file"}},
		{"include headers", fetchOptions{method: "GET", include: true, headers: []string{"X-Token: abc"}},
			[]string{"HTTP/1.1 200 OK\n", "X-Echo-Method: GET\n", "X-Echo-Token: abc\n"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			require.NoError(t, fetch(ctx, c, "http://myco.test/", &tt.opts, &out))
			for _, w := range tt.want {
				assert.Contains(t, out.String(), w)
			}
		})
	}

	var out bytes.Buffer
	err := fetch(context.Background(), c, "http://myco.test/", &fetchOptions{method: "GET", headers: []string{"broken"}}, &out)
	assert.ErrorContains(t, err, "invalid header")
	assert.False(t, strings.Contains(out.String(), "HTTP/1.1"))
}
