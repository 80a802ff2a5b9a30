// Command pukkemedia exercises the PukkeConnect media SDK from the
// command line: token management, uploads, signed URL resolution and
// preview batches.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/pukkeconnect/mediakit"
	"github.com/pukkeconnect/mediakit/credentials"
	"github.com/pukkeconnect/mediakit/httpapi"
	"github.com/pukkeconnect/mediakit/preview"
	"github.com/pukkeconnect/mediakit/signedurl"
	"github.com/pukkeconnect/mediakit/telemetry"
	"github.com/pukkeconnect/mediakit/uploads"
)

var version = "dev"

type cli struct {
	APIURL       string `help:"Base URL of the PukkeConnect API." default:"https://api.pukkeconnect.com" env:"PUKKE_API_URL"`
	TokenFile    string `help:"Path to the token database (default: user config dir)." env:"PUKKE_TOKEN_FILE"`
	LogLevel     string `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"PUKKE_LOG_LEVEL"`
	LogFormat    string `help:"Log format." enum:"text,json" default:"text" env:"PUKKE_LOG_FORMAT"`
	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics (empty disables export)." env:"PUKKE_OTLP_ENDPOINT"`

	Login   loginCmd   `cmd:"" help:"Store an API token."`
	Logout  logoutCmd  `cmd:"" help:"Clear the stored API token."`
	Upload  uploadCmd  `cmd:"" help:"Upload a file and print its key and download URL."`
	URL     urlCmd     `cmd:"" help:"Resolve a signed download URL for a stored object."`
	Preview previewCmd `cmd:"" help:"Resolve preview URLs for a batch of keys."`
}

// appContext carries the wired SDK components into command Run methods.
type appContext struct {
	logger *slog.Logger
	store  credentials.Store
	client *httpapi.Client
	cache  *signedurl.Cache
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var flags cli
	kctx := kong.Parse(&flags,
		kong.Name("pukkemedia"),
		kong.Description("PukkeConnect media client."),
		kong.UsageOnError(),
	)

	logger, err := newLogger(flags.LogLevel, flags.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:    "pukkemedia",
		ServiceVersion: version,
		OTLPEndpoint:   flags.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	tokenFile, err := resolveTokenFile(flags.TokenFile)
	if err != nil {
		return err
	}

	store, err := credentials.OpenBoltStore(tokenFile, credentials.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("opening token store: %w", err)
	}
	defer store.Close()

	client := httpapi.New(flags.APIURL,
		httpapi.WithCredentials(store),
		httpapi.WithLogger(logger),
		httpapi.WithNotifier(httpapi.NotifierFunc(printNotification)),
	)

	cache := signedurl.New(client,
		signedurl.WithLogger(logger),
		signedurl.WithDeduplication(),
	)

	app := &appContext{
		logger: logger,
		store:  store,
		client: client,
		cache:  cache,
	}

	kctx.BindTo(ctx, (*context.Context)(nil))
	return kctx.Run(app)
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: lvl})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

// resolveTokenFile expands the default token path under the user config
// directory when no explicit path was given.
func resolveTokenFile(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolving config dir: %w", err)
	}
	dir = filepath.Join(dir, "pukkeconnect")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	return filepath.Join(dir, "auth.db"), nil
}

func printNotification(n httpapi.Notification) {
	fmt.Fprintf(os.Stderr, "[%s] %s: %s\n", n.Tone, n.Title, n.Description)
}

type loginCmd struct {
	Token string `help:"API token to store." required:""`
}

func (c *loginCmd) Run(ctx context.Context, app *appContext) error {
	if err := app.store.Save(ctx, c.Token); err != nil {
		return fmt.Errorf("saving token: %w", err)
	}
	app.client.SessionEstablished()
	fmt.Println("token stored")
	return nil
}

type logoutCmd struct{}

func (c *logoutCmd) Run(ctx context.Context, app *appContext) error {
	if err := app.store.Clear(ctx); err != nil {
		return fmt.Errorf("clearing token: %w", err)
	}
	fmt.Println("token cleared")
	return nil
}

type uploadCmd struct {
	Path        string `arg:"" help:"File to upload." type:"existingfile"`
	ContentType string `help:"Override the detected content type."`
	Replace     string `help:"Replace the object stored under this key instead of creating a new one."`
}

func (c *uploadCmd) Run(ctx context.Context, app *appContext) error {
	f, err := os.Open(c.Path)
	if err != nil {
		return fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat file: %w", err)
	}

	contentType := c.ContentType
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(c.Path))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	in := uploads.UploadInput{
		FileName:    filepath.Base(c.Path),
		ContentType: contentType,
		Body:        f,
		Size:        info.Size(),
	}

	uploader := uploads.New(app.client, app.cache, uploads.WithLogger(app.logger))

	var result *uploads.UploadResult
	if c.Replace != "" {
		result, err = uploader.Replace(ctx, c.Replace, in)
	} else {
		result, err = uploader.Upload(ctx, in)
	}
	if err != nil {
		return err
	}

	fmt.Printf("key:      %s\n", result.Key)
	fmt.Printf("url:      %s\n", result.DownloadURL)
	fmt.Printf("checksum: %s\n", result.Checksum)
	fmt.Printf("size:     %d\n", result.Size)
	return nil
}

type urlCmd struct {
	Key     string `arg:"" help:"Object key to resolve."`
	NoCache bool   `help:"Bypass the cache and fetch a fresh signed URL."`
}

func (c *urlCmd) Run(ctx context.Context, app *appContext) error {
	if c.NoCache {
		app.cache.Invalidate(c.Key)
	}
	u, err := app.cache.GetURL(ctx, c.Key)
	if err != nil {
		return err
	}
	fmt.Println(u)
	return nil
}

type previewCmd struct {
	Keys []string `arg:"" help:"Object keys to resolve previews for."`
}

func (c *previewCmd) Run(ctx context.Context, app *appContext) error {
	refs := make([]mediakit.MediaRef, len(c.Keys))
	for i, key := range c.Keys {
		refs[i] = mediakit.MediaRef{Key: key, Position: i}
	}

	resolver := preview.New(app.cache, preview.WithLogger(app.logger))

	select {
	case <-resolver.Resolve(ctx, refs):
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, p := range resolver.Snapshot() {
		switch {
		case p.Failed:
			fmt.Printf("%s\tFAILED\n", p.Key)
		default:
			fmt.Printf("%s\t%s\n", p.Key, p.URL)
		}
	}
	return nil
}
