package converter

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

func TestLocalConvertsTextAndStripsBOM(t *testing.T) {
	out, err := NewLocal().Convert(context.Background(), []byte("\xef\xbb\xbf# Title\n\nbody\n"), domain.MimeMarkdown)
	if err != nil {
		t.Fatalf("Convert() error = %v", err)
	}
	if out != "# Title\n\nbody" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestLocalRejectsBinaryText(t *testing.T) {
	_, err := NewLocal().Convert(context.Background(), []byte{0xff, 0xfe, 0x00}, domain.MimeText)
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestLocalRejectsMalformedPDF(t *testing.T) {
	_, err := NewLocal().Convert(context.Background(), []byte("%PDF-1.4 not really"), domain.MimePDF)
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestLocalConvertStopsAtDeadline(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := parseWithContext(ctx, func() (string, error) {
		<-release
		return "late", nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	cancelled, stop := context.WithCancel(context.Background())
	stop()
	if _, err := NewLocal().Convert(cancelled, []byte("body"), domain.MimeText); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLocalRendersSheetsAsMarkdownTables(t *testing.T) {
	f := excelize.NewFile()
	_ = f.SetCellValue("Sheet1", "A1", "Name")
	_ = f.SetCellValue("Sheet1", "B1", "Amount")
	_ = f.SetCellValue("Sheet1", "A2", "a|b")
	_ = f.SetCellValue("Sheet1", "B2", 42)
	_ = f.SetCellValue("Sheet1", "A4", "tail")
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("WriteToBuffer() error = %v", err)
	}

	out, err := NewLocal().Convert(context.Background(), buf.Bytes(), domain.MimeXLSX)
	if err != nil {
		t.Fatalf("Convert() error = %v", err)
	}
	want := "## Sheet1\n\n| Name | Amount |\n| --- | --- |\n| a\\|b | 42 |\n| tail |  |"
	if out != want {
		t.Fatalf("unexpected table:\n%s\nwant:\n%s", out, want)
	}
}

func TestRouterSendsUnknownFormatsToRemote(t *testing.T) {
	var gotType, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/convert" {
			http.NotFound(w, r)
			return
		}
		gotType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		_, _ = w.Write([]byte(`{"markdown":"# converted\n"}`))
	}))
	defer server.Close()

	router := NewRouter(NewLocal(), NewRemote(server.URL, Options{}))
	out, err := router.Convert(context.Background(), []byte("docx-bytes"), domain.MimeDOCX)
	if err != nil {
		t.Fatalf("Convert() error = %v", err)
	}
	if out != "# converted" || gotType != domain.MimeDOCX || gotBody != "docx-bytes" {
		t.Fatalf("unexpected remote exchange out=%q type=%q body=%q", out, gotType, gotBody)
	}

	out, err = router.Convert(context.Background(), []byte("plain"), domain.MimeText)
	if err != nil || out != "plain" {
		t.Fatalf("expected local conversion, got %q %v", out, err)
	}
}

func TestRouterWithoutRemoteRejectsUnknownFormats(t *testing.T) {
	_, err := NewRouter(nil, nil).Convert(context.Background(), []byte("x"), domain.MimePPTX)
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestRemoteServerErrorIsTemporary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewRemote(server.URL, Options{}).Convert(context.Background(), []byte("x"), domain.MimeDOCX)
	if !domain.IsKind(err, domain.ErrTemporary) || !strings.Contains(err.Error(), "overloaded") {
		t.Fatalf("expected temporary error with body, got %v", err)
	}
}
