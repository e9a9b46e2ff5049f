package app

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

type chunkPayload struct {
	Content  string
	Metadata map[string]string
}

func (a *App) parseAndChunk(sourceURL, path string) ([]chunkPayload, error) {
	ext := strings.ToLower(filepath.Ext(strings.SplitN(filepath.Base(sourceURL), "?", 2)[0]))
	switch ext {
	case ".pdf":
		return a.parsePDF(path)
	case ".html", ".htm", ".xhtml":
		return a.parseHTML(path)
	default:
		return a.parseText(path)
	}
}

func (a *App) parsePDF(path string) ([]chunkPayload, error) {
	// pdftotext handles layouts the Go library chokes on
	chunks, err := a.parsePDFWithPdftotext(path)
	if err == nil && len(chunks) > 0 {
		return chunks, nil
	}
	return a.parsePDFWithGoLib(path)
}

// parsePDFWithPdftotext uses the system pdftotext tool (poppler-utils).
// Pages arrive separated by form feeds, which keeps page provenance.
func (a *App) parsePDFWithPdftotext(path string) ([]chunkPayload, error) {
	if _, err := exec.LookPath("pdftotext"); err != nil {
		return nil, fmt.Errorf("pdftotext not found: %w", err)
	}
	cmd := exec.Command("pdftotext", "-layout", "-enc", "UTF-8", path, "-")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("pdftotext failed: %w", err)
	}

	var chunks []chunkPayload
	for pageIdx, pageText := range strings.Split(string(output), "\f") {
		for idx, part := range paragraphChunks(pageText, a.chunkSize) {
			chunks = append(chunks, chunkPayload{
				Content: part,
				Metadata: map[string]string{
					"page":  strconv.Itoa(pageIdx + 1),
					"chunk": strconv.Itoa(idx),
				},
			})
		}
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("no text extracted from PDF")
	}
	return chunks, nil
}

func (a *App) parsePDFWithGoLib(path string) ([]chunkPayload, error) {
	file, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer file.Close()
	totalPages := reader.NumPage()
	var chunks []chunkPayload
	for i := 1; i <= totalPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// skip problematic pages instead of failing entirely
			continue
		}
		for idx, part := range paragraphChunks(text, a.chunkSize) {
			chunks = append(chunks, chunkPayload{
				Content: part,
				Metadata: map[string]string{
					"page":  strconv.Itoa(i),
					"chunk": strconv.Itoa(idx),
				},
			})
		}
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("no text extracted from PDF")
	}
	return chunks, nil
}

func (a *App) parseHTML(path string) ([]chunkPayload, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open html: %w", err)
	}
	defer f.Close()
	doc, err := html.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	parts := paragraphChunks(extractText(doc), a.chunkSize)
	chunks := make([]chunkPayload, 0, len(parts))
	for idx, part := range parts {
		chunks = append(chunks, chunkPayload{
			Content:  part,
			Metadata: map[string]string{"chunk": strconv.Itoa(idx)},
		})
	}
	return chunks, nil
}

func (a *App) parseText(path string) ([]chunkPayload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	parts := paragraphChunks(string(data), a.chunkSize)
	chunks := make([]chunkPayload, 0, len(parts))
	for idx, part := range parts {
		chunks = append(chunks, chunkPayload{
			Content:  part,
			Metadata: map[string]string{"chunk": strconv.Itoa(idx)},
		})
	}
	return chunks, nil
}

var paragraphSplit = regexp.MustCompile(`\n\s*\n`)

// paragraphChunks splits text on blank lines, packs consecutive
// paragraphs up to maxRunes per chunk, and slices oversized paragraphs.
// Empty paragraphs never produce a chunk.
func paragraphChunks(text string, maxRunes int) []string {
	if maxRunes <= 0 {
		return nil
	}
	var paragraphs []string
	for _, p := range paragraphSplit.Split(text, -1) {
		if p = normalizeText(p); p != "" {
			paragraphs = append(paragraphs, p)
		}
	}

	var chunks []string
	var current strings.Builder
	currentLen := 0
	flush := func() {
		if currentLen > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
			currentLen = 0
		}
	}
	for _, p := range paragraphs {
		runes := []rune(p)
		if len(runes) > maxRunes {
			flush()
			for start := 0; start < len(runes); start += maxRunes {
				end := start + maxRunes
				if end > len(runes) {
					end = len(runes)
				}
				part := strings.TrimSpace(string(runes[start:end]))
				if part != "" {
					chunks = append(chunks, part)
				}
			}
			continue
		}
		if currentLen > 0 && currentLen+1+len(runes) > maxRunes {
			flush()
		}
		if currentLen > 0 {
			current.WriteString("\n")
			currentLen++
		}
		current.WriteString(p)
		currentLen += len(runes)
	}
	flush()
	return chunks
}

func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\x00", " ")
	text = strings.ToValidUTF8(text, "")
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	return strings.Join(strings.Fields(text), " ")
}

func extractText(n *html.Node) string {
	var buf strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		switch node.Type {
		case html.TextNode:
			buf.WriteString(node.Data)
			buf.WriteString(" ")
		case html.ElementNode:
			if node.Data == "script" || node.Data == "style" {
				return
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
		if node.Type == html.ElementNode && (node.Data == "p" || node.Data == "br" || node.Data == "div" || node.Data == "li") {
			buf.WriteString("\n\n")
		}
	}
	walk(n)
	return buf.String()
}
