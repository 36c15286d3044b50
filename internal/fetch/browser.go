package fetch

import (
	"context"

	"github.com/chromedp/chromedp"
)

// RenderFunc renders a URL in a browser session and returns the page HTML.
// It is a function value so tests can substitute a fake renderer.
type RenderFunc func(ctx context.Context, url string) (string, error)

// ChromeRender renders the page with a headless Chrome via chromedp. The
// caller holds a BrowserPool slot for the duration of the call.
func ChromeRender(userAgent string) RenderFunc {
	return func(ctx context.Context, url string) (string, error) {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.UserAgent(userAgent),
		)
		actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
		defer cancelAlloc()
		bctx, cancelBrowser := chromedp.NewContext(actx)
		defer cancelBrowser()

		var html string
		err := chromedp.Run(bctx,
			chromedp.Navigate(url),
			chromedp.WaitReady("body", chromedp.ByQuery),
			chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		)
		return html, err
	}
}
