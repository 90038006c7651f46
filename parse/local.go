package parse

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"

	"code.sajari.com/docconv/v2"
	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"
)

// LocalExtractor handles mime types that never need the external parsing
// provider. Plain text and markdown pass through, HTML is stripped, and PDFs
// and Word documents have a best-effort local path used by operators for
// reprocessing without provider credit.
type LocalExtractor struct {
	logger *slog.Logger
}

func NewLocalExtractor(logger *slog.Logger) *LocalExtractor {
	return &LocalExtractor{
		logger: logger,
	}
}

// CanExtract reports whether the mime type is handled synchronously, skipping
// the external provider round-trip entirely.
func (e *LocalExtractor) CanExtract(mimeType string) bool {
	switch mimeType {
	case "text/plain", "text/markdown", "text/html":
		return true
	}
	return false
}

func (e *LocalExtractor) Extract(mimeType string, data []byte) (string, error) {
	switch mimeType {
	case "text/plain", "text/markdown":
		return string(data), nil
	case "text/html":
		return e.extractHTML(data)
	case "application/pdf":
		return e.extractPDF(data)
	case "application/msword",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return e.extractWord(data, mimeType)
	default:
		return "", fmt.Errorf("unsupported mime type for local extraction: %s", mimeType)
	}
}

func (e *LocalExtractor) extractHTML(data []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		e.logger.Error("Failed to parse HTML document",
			slog.String("error", err.Error()),
			slog.Int("data_size", len(data)))
		return "", fmt.Errorf("failed to parse HTML: %v", err)
	}

	doc.Find("script, style, noscript").Remove()
	text := strings.TrimSpace(doc.Find("body").Text())
	if text == "" {
		// Some fragments have no body element.
		text = strings.TrimSpace(doc.Text())
	}
	if text == "" {
		return "", fmt.Errorf("no text content extracted from HTML")
	}

	e.logger.Debug("Extracted text from HTML",
		slog.Int("text_length", len(text)))

	return text, nil
}

func (e *LocalExtractor) extractPDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		e.logger.Error("Failed to create PDF reader",
			slog.String("error", err.Error()),
			slog.Int("data_size", len(data)))
		return "", fmt.Errorf("failed to create PDF reader: %v", err)
	}

	totalPage := reader.NumPage()
	var fullText strings.Builder
	for pageIndex := 1; pageIndex <= totalPage; pageIndex++ {
		page := reader.Page(pageIndex)
		if page.V.IsNull() {
			e.logger.Warn("Null page encountered",
				slog.Int("page_number", pageIndex))
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			e.logger.Error("Failed to extract text from page",
				slog.Int("page_number", pageIndex),
				slog.String("error", err.Error()))
			return "", fmt.Errorf("failed to extract text from page %d: %v", pageIndex, err)
		}
		fullText.WriteString(text)
	}

	if fullText.Len() == 0 {
		return "", fmt.Errorf("no text content extracted from PDF")
	}

	e.logger.Info("Successfully extracted text from PDF",
		slog.Int("total_pages", totalPage),
		slog.Int("total_text_length", fullText.Len()))

	return fullText.String(), nil
}

func (e *LocalExtractor) extractWord(data []byte, mimeType string) (string, error) {
	result, err := docconv.Convert(bytes.NewReader(data), mimeType, false)
	if err != nil {
		e.logger.Error("Failed to convert Word document",
			slog.String("error", err.Error()),
			slog.Int("data_size", len(data)))
		return "", fmt.Errorf("failed to convert Word document: %v", err)
	}

	if len(result.Body) == 0 {
		return "", fmt.Errorf("no text content extracted from Word document")
	}

	return result.Body, nil
}
