package judgment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const maxFileBytes = 20 * 1024 * 1024

const (
	MethodPlainText    = "plain-text"
	MethodPdfToText    = "pdftotext"
	MethodByteFallback = "byte-fallback"
)

var (
	neutralCitationPattern = regexp.MustCompile(`\[(\d{4})\]\s+([A-Z][A-Za-z]{1,8})\s+(\d{1,5})`)
	partiesPattern         = regexp.MustCompile(`\b([A-Z][\w'&-]*(?: +[A-Z][\w'&-]*){0,4}) +v\.? +([A-Z][\w'&-]*(?: +[A-Z][\w'&-]*){0,4})`)
	slugPattern            = regexp.MustCompile(`[^A-Za-z0-9]+`)
)

// Extraction is judgment text read from a file.
type Extraction struct {
	Text   string
	Method string
}

// ExtractText reads a judgment from path. PDFs go through pdftotext with a
// printable-bytes fallback; anything else is read as UTF-8 text.
func ExtractText(ctx context.Context, path string) (Extraction, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Extraction{}, err
	}
	if info.Size() > maxFileBytes {
		return Extraction{}, fmt.Errorf("judgment file too large: %d bytes", info.Size())
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return Extraction{}, err
	}
	if !isPDF(path, blob) {
		if !utf8.Valid(blob) {
			return Extraction{}, fmt.Errorf("%s is neither a PDF nor UTF-8 text", filepath.Base(path))
		}
		return Extraction{Text: strings.TrimSpace(string(blob)), Method: MethodPlainText}, nil
	}

	if text, err := runPdfToText(ctx, path); err == nil && strings.TrimSpace(text) != "" {
		return Extraction{Text: strings.TrimSpace(text), Method: MethodPdfToText}, nil
	}
	fallback := printableRuns(blob)
	if fallback == "" {
		return Extraction{}, errors.New("no extractable text found")
	}
	return Extraction{Text: fallback, Method: MethodByteFallback}, nil
}

func isPDF(path string, blob []byte) bool {
	return strings.EqualFold(filepath.Ext(path), ".pdf") || strings.HasPrefix(string(blob), "%PDF-")
}

func runPdfToText(ctx context.Context, path string) (string, error) {
	bin := strings.TrimSpace(os.Getenv("PDFTOTEXT_PATH"))
	if bin == "" {
		bin = "pdftotext"
	}
	out, err := exec.CommandContext(ctx, bin, "-layout", path, "-").Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// printableRuns keeps runs of at least 24 printable bytes, one per line.
func printableRuns(blob []byte) string {
	var runs []string
	var b strings.Builder
	flush := func() {
		if s := strings.TrimSpace(b.String()); len(s) >= 24 {
			runs = append(runs, s)
		}
		b.Reset()
	}
	for _, c := range blob {
		r := rune(c)
		if unicode.IsPrint(r) || r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		flush()
	}
	flush()
	return strings.TrimSpace(strings.Join(runs, "\n"))
}

// AttachmentPath resolves a bus attachment URL to a local file path. Only
// file:// and absolute paths are supported.
func AttachmentPath(url string) (string, error) {
	url = strings.TrimSpace(url)
	switch {
	case url == "":
		return "", errors.New("attachment url is required")
	case strings.HasPrefix(url, "file://"):
		p := strings.TrimPrefix(url, "file://")
		if p == "" {
			return "", errors.New("file attachment path is empty")
		}
		return p, nil
	case filepath.IsAbs(url):
		return url, nil
	default:
		return "", fmt.Errorf("unsupported attachment url scheme: %s", url)
	}
}

// ResolveAttachment resolves url like AttachmentPath and then requires the
// file, after symlinks, to live under root. An empty root disables file
// attachments.
func ResolveAttachment(url, root string) (string, error) {
	path, err := AttachmentPath(url)
	if err != nil {
		return "", err
	}
	root = strings.TrimSpace(root)
	if root == "" {
		return "", errors.New("file attachments are disabled: no attachment root configured")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("attachment root: %w", err)
	}
	base, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return "", fmt.Errorf("attachment root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(base, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("attachment %s is outside %s", path, root)
	}
	return resolved, nil
}

// CaseIDFromText derives a case identifier from the opening of a judgment,
// preferring a neutral citation ("[2019] UKSC 12") over party names
// ("Doe v. Roe"). It returns "" when neither is found.
func CaseIDFromText(text string) string {
	head := strings.TrimSpace(text)
	if len(head) > 4000 {
		head = head[:4000]
	}
	if m := neutralCitationPattern.FindStringSubmatch(head); len(m) == 4 {
		return strings.ToUpper(m[2]) + "-" + m[1] + "-" + m[3]
	}
	if m := partiesPattern.FindStringSubmatch(head); len(m) == 3 {
		return slug(m[1]) + "-V-" + slug(m[2])
	}
	return ""
}

func slug(s string) string {
	return strings.ToUpper(strings.Trim(slugPattern.ReplaceAllString(s, "-"), "-"))
}
