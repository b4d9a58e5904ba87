package render

import (
	"context"
	"encoding/base64"
	"fmt"
	"html"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/joelkehle/ratio-decidendi/internal/ratio"
)

const reportCSS = `body{font-family:Georgia,serif;color:#1c1917;line-height:1.5;max-width:900px;margin:0 auto;padding:1rem;}
h1{font-size:1.6rem;border-bottom:2px solid #92400e;padding-bottom:0.3rem;}
h2{font-size:1.25rem;margin-top:1.6rem;}
h2[data-section="ratio"]+p{background:#fef3c7;border-left:4px solid #92400e;padding:0.6rem 0.8rem;}
h3{font-size:1.05rem;}
table{border-collapse:collapse;width:100%;font-size:0.85rem;}
th,td{border:1px solid #a8a29e;padding:0.3rem 0.45rem;text-align:left;vertical-align:top;}
thead th{background:#f1f5f9;}
.report-meta{color:#44403c;font-size:0.85rem;margin-bottom:1rem;}
h2[data-page-break-before="true"]{break-before:page;page-break-before:always;}`

var (
	reRatioHeading    = regexp.MustCompile(`(?i)<h2([^>]*)>\s*Ratio Decidendi\s*</h2>`)
	reAppendixHeading = regexp.MustCompile(`(?i)<h2([^>]*)>\s*Appendix\s*</h2>`)
)

// MarkdownToHTML converts report markdown to an HTML fragment (GFM).
func MarkdownToHTML(markdown string) (string, error) {
	var out strings.Builder
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	if err := md.Convert([]byte(markdown), &out); err != nil {
		return "", fmt.Errorf("markdown convert: %w", err)
	}
	return applyLayoutHooks(out.String()), nil
}

func applyLayoutHooks(contentHTML string) string {
	out := reRatioHeading.ReplaceAllString(contentHTML, `<h2$1 data-section="ratio">Ratio Decidendi</h2>`)
	return reAppendixHeading.ReplaceAllString(out, `<h2$1 data-page-break-before="true">Appendix</h2>`)
}

// HTMLDocument renders a full standalone HTML page for a response envelope.
func HTMLDocument(env ratio.ResponseEnvelope) (string, error) {
	content, err := MarkdownToHTML(env.ReportMarkdown)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("<!doctype html><html><head><meta charset='utf-8'><title>Ratio Decidendi Report</title><style>")
	b.WriteString(reportCSS)
	b.WriteString("</style></head><body><div class='report-meta'>")
	b.WriteString(metaHTML(env))
	b.WriteString("</div><div class='report-html'>")
	b.WriteString(content)
	b.WriteString("</div></body></html>")
	return b.String(), nil
}

func metaHTML(env ratio.ResponseEnvelope) string {
	var out strings.Builder
	if id := strings.TrimSpace(env.CaseID); id != "" {
		out.WriteString("<div><strong>Case:</strong> " + html.EscapeString(id) + "</div>")
	}
	if v := env.PipelineMetadata.Variant; v != "" {
		out.WriteString("<div><strong>Variant:</strong> " + html.EscapeString(v) + "</div>")
	}
	if ts := env.PipelineMetadata.CompletedAt; !ts.IsZero() {
		out.WriteString("<div><strong>Date:</strong> " + html.EscapeString(ts.In(time.Local).Format("January 2, 2006 at 3:04 PM MST")) + "</div>")
	}
	return out.String()
}

// PDFRenderer prints report HTML to PDF through a headless Chromium.
type PDFRenderer struct {
	chromePath string
	timeout    time.Duration
}

func NewPDFRenderer() *PDFRenderer {
	return &PDFRenderer{chromePath: detectChromePath(), timeout: 30 * time.Second}
}

func (r *PDFRenderer) Render(ctx context.Context, env ratio.ResponseEnvelope) ([]byte, error) {
	doc, err := HTMLDocument(env)
	if err != nil {
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
	}
	if r.chromePath != "" {
		opts = append(opts, chromedp.ExecPath(r.chromePath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(timeoutCtx, append(chromedp.DefaultExecAllocatorOptions[:], opts...)...)
	defer allocCancel()

	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	var pdf []byte
	dataURL := "data:text/html;base64," + base64.StdEncoding.EncodeToString([]byte(doc))
	if err := chromedp.Run(taskCtx,
		chromedp.Navigate(dataURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			footer := `<div style="width:100%;text-align:center;font-size:9px;color:#666;">` +
				`Page <span class="pageNumber"></span> of <span class="totalPages"></span></div>`
			out, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithDisplayHeaderFooter(true).
				WithHeaderTemplate(`<div></div>`).
				WithFooterTemplate(footer).
				WithPaperWidth(8.27).
				WithPaperHeight(11.69).
				WithMarginTop(0.5).
				WithMarginBottom(0.75).
				Do(ctx)
			if err != nil {
				return err
			}
			pdf = out
			return nil
		}),
	); err != nil {
		return nil, fmt.Errorf("print pdf: %w", err)
	}
	return pdf, nil
}

func detectChromePath() string {
	if p := strings.TrimSpace(os.Getenv("CHROME_PATH")); p != "" {
		return p
	}
	for _, p := range []string{"/usr/bin/chromium-browser", "/usr/bin/chromium", "/usr/bin/google-chrome"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
