package theme

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"
)

var ErrBrowserMissing = errors.New("chromium not installed")

const previewHTML = `<!doctype html><html><head><title>pulseboard preview</title></head>` +
	`<body style="background:hsl(var(--background,0 0% 100%));color:hsl(var(--primary,0 0% 0%))">` +
	`<h1>pulseboard</h1><button style="background:hsl(var(--accent,0 0% 90%))">accent</button></body></html>`

// BrowserSink writes variables onto the root element of a headless Chrome
// page, so the applied theme can be previewed or screenshotted.
type BrowserSink struct {
	ctx     context.Context
	cancel  func()
	timeout time.Duration
	log     *logrus.Entry
}

// StartBrowserSink launches headless Chrome on pageURL, or on a built-in
// preview page when pageURL is empty.
func StartBrowserSink(ctx context.Context, pageURL string, log *logrus.Logger) (*BrowserSink, error) {
	if _, err := exec.LookPath("chromium-browser"); err != nil {
		if _, fallbackErr := exec.LookPath("chromium"); fallbackErr != nil {
			return nil, ErrBrowserMissing
		}
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
	)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	cancel := func() {
		cancelTab()
		cancelAlloc()
	}

	if pageURL == "" {
		pageURL = "data:text/html;charset=utf-8," + percentEncodeForDataURL(previewHTML)
	}
	if err := chromedp.Run(tabCtx, chromedp.Navigate(pageURL), chromedp.WaitReady("body")); err != nil {
		cancel()
		return nil, fmt.Errorf("open preview page: %w", err)
	}

	return &BrowserSink{
		ctx:     tabCtx,
		cancel:  cancel,
		timeout: 5 * time.Second,
		log:     log.WithField("component", "theme_browser"),
	}, nil
}

func (b *BrowserSink) SetVariable(name, value string) {
	b.eval(setPropertyScript(name, value))
}

func (b *BrowserSink) ClearVariable(name string) {
	b.eval(removePropertyScript(name))
}

// Variable reads a variable back from the page's root element.
func (b *BrowserSink) Variable(ctx context.Context, name string) (string, error) {
	runCtx, cancel := context.WithTimeout(b.ctx, b.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var value string
	script := fmt.Sprintf(`document.documentElement.style.getPropertyValue(%s)`, jsString(name))
	if err := chromedp.Run(runCtx, chromedp.Evaluate(script, &value)); err != nil {
		return "", fmt.Errorf("read style variable %s: %w", name, err)
	}
	return strings.TrimSpace(value), nil
}

func (b *BrowserSink) Close() {
	b.cancel()
}

func (b *BrowserSink) eval(script string) {
	ctx, cancel := context.WithTimeout(b.ctx, b.timeout)
	defer cancel()
	var ok bool
	if err := chromedp.Run(ctx, chromedp.Evaluate(script, &ok)); err != nil {
		b.log.WithError(err).Warn("style variable update failed")
	}
}

func setPropertyScript(name, value string) string {
	return fmt.Sprintf(`(() => { document.documentElement.style.setProperty(%s, %s); return true; })()`, jsString(name), jsString(value))
}

func removePropertyScript(name string) string {
	return fmt.Sprintf(`(() => { document.documentElement.style.removeProperty(%s); return true; })()`, jsString(name))
}

func jsString(s string) string {
	encoded, _ := json.Marshal(s)
	return string(encoded)
}

// percentEncodeForDataURL encodes a string for use in a data URL. Spaces
// become %20, not +.
func percentEncodeForDataURL(s string) string {
	var result strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '-', r == '_', r == '.', r == '~':
			result.WriteRune(r)
		case r == ' ':
			result.WriteString("%20")
		default:
			for _, b := range []byte(string(r)) {
				result.WriteString(fmt.Sprintf("%%%02X", b))
			}
		}
	}
	return result.String()
}
