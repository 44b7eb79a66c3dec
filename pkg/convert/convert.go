// Package convert wraps the external, opaque converters the ingestion
// pipeline treats as pure collaborators: document-to-PDF
// conversion, OCR, and vision-model image description. None of these
// run in-process anywhere in the retrieved corpus, so each is modeled
// as an injectable function type invoked over os/exec or HTTP, grounded
// on the subprocess-management pattern in the teacher's
// pkg/tools/mcp/stdio.go (exec.CommandContext, context cancellation via
// cmd.Cancel).
package convert

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/xgpxg/fskb/pkg/apperror"
)

// DocToPDFFunc converts src to a PDF at dest.
type DocToPDFFunc func(ctx context.Context, src, dest string) error

// OCRFunc runs OCR over an image file and returns its text.
type OCRFunc func(ctx context.Context, imagePath string) (string, error)

// VisionToTextFunc posts an image to a vision-capable chat model and
// returns its Markdown/KaTeX description.
type VisionToTextFunc func(ctx context.Context, imagePath, baseURL, model, apiKey string) (string, error)

// ExternalDocToPDF shells out to a converter binary (e.g. LibreOffice's
// soffice --headless --convert-to pdf) found on PATH as converterBin.
func ExternalDocToPDF(converterBin string) DocToPDFFunc {
	return func(ctx context.Context, src, dest string) error {
		outDir := filepath.Dir(dest)
		cmd := exec.CommandContext(ctx, converterBin, "--headless", "--convert-to", "pdf", "--outdir", outDir, src)
		cmd.Cancel = func() error {
			if cmd.Process == nil {
				return nil
			}
			return cmd.Process.Signal(syscall.SIGTERM)
		}

		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return apperror.System(fmt.Sprintf("converting %q to pdf: %s", src, stderr.String()), err)
		}
		produced := filepath.Join(outDir, strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))+".pdf")
		if produced != dest {
			if err := os.Rename(produced, dest); err != nil {
				return apperror.System(fmt.Sprintf("moving converted pdf to %q", dest), err)
			}
		}
		return nil
	}
}

// WithASCIIPathWorkaround wraps a DocToPDFFunc to satisfy the path
// constraint: the underlying converter rejects
// non-ASCII paths, so a source with non-ASCII characters is first
// copied to a random-named file under tempDir and the output mapped
// back to dest.
func WithASCIIPathWorkaround(tempDir string, inner DocToPDFFunc) DocToPDFFunc {
	return func(ctx context.Context, src, dest string) error {
		if isASCIIPath(src) {
			return inner(ctx, src, dest)
		}

		tempSrc := filepath.Join(tempDir, uuid.NewString()+filepath.Ext(src))
		if err := copyFile(src, tempSrc); err != nil {
			return apperror.System("copying source to ascii-safe path", err)
		}
		defer os.Remove(tempSrc)

		tempDest := filepath.Join(tempDir, uuid.NewString()+".pdf")
		defer os.Remove(tempDest)

		if err := inner(ctx, tempSrc, tempDest); err != nil {
			return err
		}
		return copyFile(tempDest, dest)
	}
}

func isASCIIPath(path string) bool {
	for _, r := range path {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// PageToImageFunc renders one page of a PDF at pdfPath to a PNG at
// destPNG. ledongthuc/pdf (used for text extraction in pkg/reader) has
// no rasterization capability, so page-snapshot rendering for OCR and
// vision-model extraction is modeled as this second external
// collaborator, alongside doc-to-PDF conversion and OCR.
type PageToImageFunc func(ctx context.Context, pdfPath string, pageIndex int, destPNG string) error

// ExternalPageToImage shells out to a local PDF rasterizer (e.g.
// poppler's pdftoppm) that writes a single-page PNG.
func ExternalPageToImage(rasterizerBin string) PageToImageFunc {
	return func(ctx context.Context, pdfPath string, pageIndex int, destPNG string) error {
		destPrefix := strings.TrimSuffix(destPNG, ".png")
		page := pageIndex + 1
		cmd := exec.CommandContext(ctx, rasterizerBin, "-png", "-f", fmt.Sprint(page), "-l", fmt.Sprint(page), "-singlefile", pdfPath, destPrefix)
		cmd.Cancel = func() error {
			if cmd.Process == nil {
				return nil
			}
			return cmd.Process.Signal(syscall.SIGTERM)
		}

		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return apperror.System(fmt.Sprintf("rendering pdf page %d: %s", page, stderr.String()), err)
		}
		return nil
	}
}

// ExternalOCR shells out to a local OCR binary (e.g. tesseract) that
// prints recognized text to stdout.
func ExternalOCR(ocrBin string) OCRFunc {
	return func(ctx context.Context, imagePath string) (string, error) {
		cmd := exec.CommandContext(ctx, ocrBin, imagePath, "-")
		cmd.Cancel = func() error {
			if cmd.Process == nil {
				return nil
			}
			return cmd.Process.Signal(syscall.SIGTERM)
		}

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return "", apperror.System(fmt.Sprintf("running ocr: %s", stderr.String()), err)
		}
		return stdout.String(), nil
	}
}

// HTTPVisionToText posts imagePath as a base64 data URL to an
// OpenAI-compatible /chat/completions endpoint, asking for a Markdown
// and KaTeX-formatted transcription.
func HTTPVisionToText(client *http.Client) VisionToTextFunc {
	return func(ctx context.Context, imagePath, baseURL, model, apiKey string) (string, error) {
		data, err := os.ReadFile(imagePath)
		if err != nil {
			return "", apperror.System("reading image for vision extraction", err)
		}

		dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data)

		body := map[string]any{
			"model": model,
			"messages": []map[string]any{
				{
					"role": "user",
					"content": []map[string]any{
						{"type": "text", "text": "Transcribe this image's content as Markdown, using KaTeX for any mathematical notation."},
						{"type": "image_url", "image_url": map[string]string{"url": dataURL}},
					},
				},
			},
		}

		payload, err := json.Marshal(body)
		if err != nil {
			return "", apperror.System("marshaling vision request", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return "", apperror.System("building vision request", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+apiKey)
		}

		resp, err := client.Do(req)
		if err != nil {
			return "", apperror.System("calling vision model", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			raw, _ := io.ReadAll(resp.Body)
			return "", apperror.System(fmt.Sprintf("vision model returned %d: %s", resp.StatusCode, raw), nil)
		}

		var decoded struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return "", apperror.System("decoding vision response", err)
		}
		if len(decoded.Choices) == 0 {
			return "", apperror.System("vision model returned no choices", nil)
		}
		return decoded.Choices[0].Message.Content, nil
	}
}

// NewHTTPClient builds a client whose dial/connect phase is bounded by
// connectTimeout but with no read timeout, since model streaming
// responses may legitimately run long.
func NewHTTPClient(connectTimeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: connectTimeout}
	return &http.Client{
		Transport: &http.Transport{
			DialContext: dialer.DialContext,
		},
	}
}
