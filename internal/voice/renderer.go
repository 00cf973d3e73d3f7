package voice

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"pabot/internal/domain"
)

// ChromeRenderer drives the local web audio client with Chrome. The page
// joins the channel and plays the agent's audio; this side only loads it
// with the right parameters and keeps the browser alive.
type ChromeRenderer struct {
	pagePath string
	headless bool
	logger   *slog.Logger

	mu      sync.Mutex
	cancels []context.CancelFunc
}

type RendererConfig struct {
	PagePath string // local HTML file of the audio client
	Headless bool
	Logger   *slog.Logger
}

func NewChromeRenderer(cfg RendererConfig) *ChromeRenderer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ChromeRenderer{
		pagePath: cfg.PagePath,
		headless: cfg.Headless,
		logger:   cfg.Logger,
	}
}

func (r *ChromeRenderer) Start(ctx context.Context, p domain.RenderParams) error {
	pageURL, err := r.clientURL(p)
	if err != nil {
		return err
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("autoplay-policy", "no-user-gesture-required"),
		chromedp.Flag("use-fake-ui-for-media-stream", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if r.headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	r.mu.Lock()
	r.cancels = []context.CancelFunc{taskCancel, allocCancel}
	r.mu.Unlock()

	navCtx, navCancel := context.WithTimeout(taskCtx, 30*time.Second)
	defer navCancel()
	if err := chromedp.Run(navCtx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body"),
	); err != nil {
		r.Stop()
		return fmt.Errorf("load audio client: %w", err)
	}

	// Connection probe; the page may not expose it, so failure only logs.
	var connected bool
	probeCtx, probeCancel := context.WithTimeout(taskCtx, 10*time.Second)
	defer probeCancel()
	if err := chromedp.Run(probeCtx,
		chromedp.Sleep(2*time.Second),
		chromedp.Evaluate("typeof isConnected === 'function' && isConnected()", &connected),
	); err != nil {
		r.logger.Warn("audio client connection probe failed", "err", err)
	} else if !connected {
		r.logger.Warn("audio client reports not connected yet")
	}

	r.logger.Info("audio client started", "channel", p.Channel, "headless", r.headless)
	return nil
}

func (r *ChromeRenderer) Stop() {
	r.mu.Lock()
	cancels := r.cancels
	r.cancels = nil
	r.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (r *ChromeRenderer) clientURL(p domain.RenderParams) (string, error) {
	abs, err := filepath.Abs(r.pagePath)
	if err != nil {
		return "", fmt.Errorf("resolve client page: %w", err)
	}
	q := url.Values{}
	q.Set("appId", p.AppID)
	q.Set("channel", p.Channel)
	q.Set("token", p.Token)
	q.Set("uid", p.UID)
	q.Set("agentUid", p.AgentUID)
	return "file://" + filepath.ToSlash(abs) + "?" + q.Encode(), nil
}

var _ domain.AudioRenderer = (*ChromeRenderer)(nil)
