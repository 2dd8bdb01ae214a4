package main

import (
	"context"
	"fmt"

	"github.com/chromedp/chromedp"
)

// PageAction is the external side effect performed per message. Visit must
// respect ctx's deadline and release whatever resource it opened on every
// exit path.
type PageAction interface {
	Visit(ctx context.Context, url string) error
}

// ChromeNavigator drives a headless Chrome instance. Each Visit gets its own
// browser process so that workers never share a session, and the deferred
// cancels tear the browser down whether navigation succeeds, errors or times
// out.
type ChromeNavigator struct {
	BinaryPath string // empty means whatever chromedp finds on PATH
	Headless   bool
}

func (n *ChromeNavigator) Visit(ctx context.Context, url string) error {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.WindowSize(1200, 800),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-extensions", true),
	)
	if n.BinaryPath != "" {
		opts = append(opts, chromedp.ExecPath(n.BinaryPath))
	}
	if !n.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	err := chromedp.Run(browserCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return nil
}
