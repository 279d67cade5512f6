// Package document renders the approved application form handed to the
// applicant for collection.
package document

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jung-kurt/gofpdf"
	"github.com/skip2/go-qrcode"

	"dossier/internal/application/models"
	"dossier/pkg/platform/sentinel"
)

const (
	dateLayout = "02 Jan 2006"
	qrSize     = 32.0
)

var collectionInstructions = []string{
	"1. Bring this approved application form, printed or on your phone.",
	"2. Visit the Immigration Head Office in Juba.",
	"3. Present your original National ID and supporting documents.",
	"4. Collection hours: Monday to Friday, 8:00 AM to 4:00 PM.",
}

type PDFRenderer struct {
	dir     string
	catalog *models.Catalog
	issuer  []string
}

type Option func(*PDFRenderer)

// WithIssuer replaces the header lines printed at the top of every form.
func WithIssuer(lines ...string) Option {
	return func(r *PDFRenderer) {
		if len(lines) > 0 {
			r.issuer = lines
		}
	}
}

func NewPDFRenderer(dir string, catalog *models.Catalog, opts ...Option) (*PDFRenderer, error) {
	if dir == "" {
		return nil, fmt.Errorf("document directory is required")
	}
	if catalog == nil {
		return nil, fmt.Errorf("application catalog is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create document directory: %w", err)
	}
	r := &PDFRenderer{
		dir:     dir,
		catalog: catalog,
		issuer: []string{
			"REPUBLIC OF SOUTH SUDAN",
			"DIRECTORATE OF NATIONALITY, PASSPORTS AND IMMIGRATION",
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Render writes the approved form for app and returns its file name. Each
// render gets a distinct name so a discarded render never removes a
// committed one.
func (r *PDFRenderer) Render(ctx context.Context, app *models.Application) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	body, err := r.build(app)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := fmt.Sprintf("application-%s-%s.pdf", app.ConfirmationNumber, uuid.NewString()[:8])
	tmp, err := os.CreateTemp(r.dir, ".render-*")
	if err != nil {
		return "", fmt.Errorf("create temp document: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close document: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(r.dir, name)); err != nil {
		return "", fmt.Errorf("store document: %w", err)
	}
	return name, nil
}

// Discard removes a rendered form. Removing a missing form is not an error.
func (r *PDFRenderer) Discard(_ context.Context, ref string) error {
	path, err := r.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove document: %w", err)
	}
	return nil
}

// Open returns the stored form behind ref. The caller closes it.
func (r *PDFRenderer) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	path, err := r.path(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("open document: %w", err)
	}
	return f, nil
}

func (r *PDFRenderer) path(ref string) (string, error) {
	if ref == "" || ref != filepath.Base(ref) || !strings.HasSuffix(ref, ".pdf") {
		return "", fmt.Errorf("invalid document reference %q", ref)
	}
	return filepath.Join(r.dir, ref), nil
}

func (r *PDFRenderer) build(app *models.Application) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(18, 18, 18)
	pdf.SetAutoPageBreak(true, 18)
	pdf.AddPage()
	pageWidth, _ := pdf.GetPageSize()
	left, _, right, _ := pdf.GetMargins()
	width := pageWidth - left - right

	pdf.SetFont("Arial", "B", 15)
	for _, line := range r.issuer {
		pdf.CellFormat(width, 8, line, "", 1, "C", false, 0, "")
	}
	pdf.Ln(3)
	pdf.SetFont("Arial", "BU", 13)
	pdf.CellFormat(width, 8, "APPROVED APPLICATION FORM", "", 1, "C", false, 0, "")
	pdf.Ln(4)

	qr, err := qrcode.Encode(app.ConfirmationNumber, qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("encode confirmation qr: %w", err)
	}
	imgOptions := gofpdf.ImageOptions{ImageType: "PNG", ReadDpi: true}
	pdf.RegisterImageOptionsReader("confirmation", imgOptions, bytes.NewReader(qr))
	pdf.ImageOptions("confirmation", pageWidth-right-qrSize, pdf.GetY(), qrSize, qrSize, false, imgOptions, 0, "")

	label := string(app.Type)
	if spec, ok := r.catalog.Lookup(app.Type); ok && spec.Label != "" {
		label = spec.Label
	}
	reviewed := ""
	if app.ReviewedAt != nil {
		reviewed = app.ReviewedAt.Format(dateLayout)
	}
	r.section(pdf, width-qrSize-4, "", [][2]string{
		{"Application type", label},
		{"Confirmation number", app.ConfirmationNumber},
		{"Application date", app.CreatedAt.Format(dateLayout)},
		{"Approval date", reviewed},
	})
	pdf.SetY(pdf.GetY() + 6)

	d := app.Applicant
	r.section(pdf, width, "APPLICANT DETAILS", [][2]string{
		{"Full name", d.FullName()},
		{"Date of birth", d.DateOfBirth},
		{"Gender", strings.ToUpper(d.Gender)},
		{"Nationality", d.Nationality},
		{"Place of birth", d.PlaceOfBirth},
	})
	r.section(pdf, width, "CONTACT DETAILS", [][2]string{
		{"Phone", d.Phone},
		{"Email", d.Email},
		{"Address", d.Address},
	})

	if len(app.Extensions) > 0 {
		keys := make([]string, 0, len(app.Extensions))
		for k := range app.Extensions {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		rows := make([][2]string, 0, len(keys))
		for _, k := range keys {
			rows = append(rows, [2]string{k, app.Extensions[k]})
		}
		r.section(pdf, width, "ADDITIONAL DETAILS", rows)
	}

	pdf.Ln(4)
	pdf.SetFont("Arial", "BU", 10)
	pdf.CellFormat(width, 6, "INSTRUCTIONS FOR COLLECTION", "", 1, "L", false, 0, "")
	pdf.SetFont("Arial", "", 9)
	for _, line := range collectionInstructions {
		pdf.CellFormat(width, 5, line, "", 1, "L", false, 0, "")
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// section prints a heading followed by label/value rows. Empty values are skipped.
func (r *PDFRenderer) section(pdf *gofpdf.Fpdf, width float64, heading string, rows [][2]string) {
	if heading != "" {
		pdf.Ln(2)
		pdf.SetFont("Arial", "BU", 11)
		pdf.CellFormat(width, 7, heading, "", 1, "L", false, 0, "")
	}
	for _, row := range rows {
		if row[1] == "" {
			continue
		}
		pdf.SetFont("Arial", "B", 10)
		pdf.CellFormat(45, 6, row[0]+":", "", 0, "L", false, 0, "")
		pdf.SetFont("Arial", "", 10)
		pdf.CellFormat(width-45, 6, row[1], "", 1, "L", false, 0, "")
	}
}
