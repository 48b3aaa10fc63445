// Package docimport turns PDF, HTML and plain-text documents into chunks
// that can be stored as records.
package docimport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Supported formats.
const (
	FormatText = "text"
	FormatHTML = "html"
	FormatPDF  = "pdf"
)

// ErrEmpty is returned when a document has no extractable text.
var ErrEmpty = errors.New("document contains no text")

// maxDocumentSize bounds how much of a document is read into memory.
const maxDocumentSize = 32 << 20

// Document is the extracted text of an imported file.
type Document struct {
	Name   string
	Title  string
	Format string
	Text   string
}

// ExtractFile reads and extracts the file at path.
func ExtractFile(path string) (Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return Document{}, err
	}
	defer f.Close()
	return Extract(filepath.Base(path), f)
}

// Extract detects the format of r from name and its leading bytes and
// returns its text.
func Extract(name string, r io.Reader) (Document, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxDocumentSize+1))
	if err != nil {
		return Document{}, fmt.Errorf("reading %s: %w", name, err)
	}
	if len(data) > maxDocumentSize {
		return Document{}, fmt.Errorf("%s exceeds %d MiB", name, maxDocumentSize>>20)
	}

	doc := Document{Name: name, Format: detectFormat(name, data)}
	switch doc.Format {
	case FormatPDF:
		doc.Text, err = extractPDF(data)
	case FormatHTML:
		doc.Title, doc.Text, err = extractHTML(data)
	default:
		doc.Text = string(data)
	}
	if err != nil {
		return Document{}, fmt.Errorf("extracting %s: %w", name, err)
	}
	doc.Text = normalizeSpace(doc.Text)
	if doc.Text == "" {
		return Document{}, fmt.Errorf("%s: %w", name, ErrEmpty)
	}
	if doc.Title == "" {
		doc.Title = strings.TrimSuffix(name, filepath.Ext(name))
	}
	return doc, nil
}

func detectFormat(name string, data []byte) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return FormatPDF
	case ".html", ".htm", ".xhtml":
		return FormatHTML
	case ".txt", ".md", ".markdown", ".text":
		return FormatText
	}
	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return FormatPDF
	}
	if strings.HasPrefix(http.DetectContentType(data), "text/html") {
		return FormatHTML
	}
	return FormatText
}

func extractPDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if _, err := io.Copy(&b, plain); err != nil {
		return "", err
	}
	return b.String(), nil
}

// skipped elements never contribute visible text.
var skipped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Svg:      true,
	atom.Head:     true,
}

// blocks end a line of text.
var blocks = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Tr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Section: true, atom.Article: true, atom.Blockquote: true, atom.Pre: true,
	atom.Dt: true, atom.Dd: true, atom.Table: true, atom.Ul: true, atom.Ol: true,
}

func extractHTML(data []byte) (title, text string, err error) {
	root, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", "", err
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skipped[n.DataAtom] {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blocks[n.DataAtom] {
			b.WriteString("\n")
		}
	}
	walk(root)

	// <title> sits in <head>, which the walk skips.
	return findTitle(root), b.String(), nil
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title && n.FirstChild != nil {
		return strings.TrimSpace(n.FirstChild.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

// normalizeSpace collapses runs of blanks inside lines and keeps at most
// one empty line between paragraphs.
func normalizeSpace(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if len(out) > 0 && !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, line)
		blank = false
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
