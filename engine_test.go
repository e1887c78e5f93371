//go:build cgo

package assetaware

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/u9401066/asset-aware-mcp/figures"
	"github.com/u9401066/asset-aware-mcp/internal/pdftest"
	"github.com/u9401066/asset-aware-mcp/manifest"
	"github.com/u9401066/asset-aware-mcp/scanner"
)

func newTestEngine(t *testing.T) Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Workers = 2
	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// threePagePDF has a 2x3 table on page 1, a JPEG on page 2 and a
// 40-segment line diagram on page 3.
func threePagePDF() []byte {
	b := pdftest.New().Title("Quarterly Report")

	b.Page().
		Text(72, 80, 16, pdftest.Bold, "Summary").
		Text(72, 110, 11, pdftest.Regular, "Sales grew in every region this quarter.").
		Text(72, 200, 11, pdftest.Regular, "Name").
		Text(200, 200, 11, pdftest.Regular, "Qty").
		Text(300, 200, 11, pdftest.Regular, "Price").
		Text(72, 215, 11, pdftest.Regular, "Widget").
		Text(200, 215, 11, pdftest.Regular, "4").
		Text(300, 215, 11, pdftest.Regular, "9.50")

	b.Page().
		Text(72, 80, 16, pdftest.Bold, "Photos").
		Text(72, 110, 11, pdftest.Regular, "The new warehouse is shown below.").
		Image(100, 200, 200, 150, pdftest.JPEG(64, 48), 64, 48)

	p3 := b.Page().
		Text(72, 80, 16, pdftest.Bold, "Diagram").
		Text(72, 110, 11, pdftest.Regular, "The assembly line layout.")
	for i := 0; i < 20; i++ {
		y := 200 + float64(i)*8
		p3.Line(100, y, 300, y, 1)
	}
	for i := 0; i < 20; i++ {
		x := 100 + float64(i)*10
		p3.Line(x, 200, x, 352, 1)
	}
	return b.Bytes()
}

func TestDecomposeThreePages(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	m, err := e.Decompose(ctx, threePagePDF(), WithFilename("report.pdf"))
	require.NoError(t, err)

	assert.Equal(t, "Quarterly Report", m.Document.Title)
	assert.Equal(t, "report.pdf", m.Document.Filename)
	assert.Equal(t, 3, m.Document.PageCount)

	require.Len(t, m.Tables, 1)
	tbl := m.Tables[0]
	assert.Equal(t, "tab_1", tbl.ID)
	assert.Equal(t, 1, tbl.Page)
	assert.Equal(t, [][]string{{"Name", "Qty", "Price"}, {"Widget", "4", "9.50"}}, tbl.Cells)

	require.Len(t, m.Figures, 2)
	assert.Equal(t, "fig_2_1", m.Figures[0].ID)
	assert.Equal(t, figures.TierRaster, m.Figures[0].Tier)
	assert.Equal(t, "fig_3_1", m.Figures[1].ID)
	assert.Equal(t, figures.TierVector, m.Figures[1].Tier)

	var ids []string
	for _, s := range m.Sections {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"summary", "photos", "diagram"}, ids)

	tab, err := e.Assets().Table(ctx, m.Document.DocID, "tab_1")
	require.NoError(t, err)
	assert.Contains(t, tab.Markdown, "| Widget | 4 | 9.50 |")

	fig, err := e.Assets().Figure(ctx, m.Document.DocID, "fig_3_1", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, fig.PNG)

	sec, err := e.Assets().Section(ctx, m.Document.DocID, "Photos")
	require.NoError(t, err)
	assert.Contains(t, sec.Markdown, "![fig_2_1](images/fig_2_1.png)")
}

// ruledTable draws a 4x3 parts table with right-aligned number columns
// and a full cell grid 4pt outside the text.
func ruledTable(p *pdftest.Page) {
	rows := [][3]string{
		{"Part", "Qty", "Cost"},
		{"Bolt", "1,200", "0.40"},
		{"Nut", "30", "0.10"},
		{"Washer", "45", "12.05"},
	}
	for i, r := range rows {
		y := 200 + float64(i)*18
		p.Text(80, y, 11, pdftest.Regular, r[0])
		p.Text(260-pdftest.TextWidth(r[1], 11), y, 11, pdftest.Regular, r[1])
		p.Text(330-pdftest.TextWidth(r[2], 11), y, 11, pdftest.Regular, r[2])
	}
	for i := 0; i < 5; i++ {
		y := 187 + float64(i)*18
		p.Line(76, y, 336, y, 0.5)
	}
	for _, x := range []float64{76, 180, 270, 336} {
		p.Line(x, 187, x, 259, 0.5)
	}
}

func TestDecomposeRuledTable(t *testing.T) {
	b := pdftest.New().Title("Parts")
	ruledTable(b.Page().Text(72, 80, 16, pdftest.Bold, "Parts List"))

	m, err := newTestEngine(t).Decompose(context.Background(), b.Bytes())
	require.NoError(t, err)

	require.Len(t, m.Tables, 1)
	assert.Equal(t, [][]string{
		{"Part", "Qty", "Cost"},
		{"Bolt", "1,200", "0.40"},
		{"Nut", "30", "0.10"},
		{"Washer", "45", "12.05"},
	}, m.Tables[0].Cells)

	assert.Empty(t, m.Figures, "cell rules belong to the table")
}

func TestDecomposeRuledTableBesideDiagram(t *testing.T) {
	b := pdftest.New().Title("Parts")
	p := b.Page().Text(72, 80, 16, pdftest.Bold, "Parts List")
	ruledTable(p)
	for i := 0; i < 20; i++ {
		p.Line(100, 400+float64(i)*8, 300, 400+float64(i)*8, 1)
		p.Line(100+float64(i)*10, 400, 100+float64(i)*10, 552, 1)
	}

	m, err := newTestEngine(t).Decompose(context.Background(), b.Bytes())
	require.NoError(t, err)
	require.Len(t, m.Tables, 1)
	require.Len(t, m.Figures, 1)
	assert.Equal(t, figures.TierVector, m.Figures[0].Tier)

	tol := DefaultConfig().Detection.Figures.TierOverlapTolerance
	for _, f := range m.Figures {
		for _, tbl := range m.Tables {
			if f.Page == tbl.Page {
				assert.LessOrEqual(t, f.BBox.OverlapRatio(tbl.BBox), tol, "%s overlaps %s", f.ID, tbl.ID)
			}
		}
	}
}

func TestDecomposeIsDeterministic(t *testing.T) {
	data := threePagePDF()

	a, err := newTestEngine(t).Decompose(context.Background(), data)
	require.NoError(t, err)
	b, err := newTestEngine(t).Decompose(context.Background(), data)
	require.NoError(t, err)

	assert.Equal(t, a.Digest, b.Digest)
	assert.Equal(t, a.Document.DocID, b.Document.DocID)
	assert.Equal(t, a.Markdown, b.Markdown)

	ids := func(m *manifest.Manifest) []string {
		var out []string
		for _, s := range m.Sections {
			out = append(out, s.ID)
		}
		for _, t := range m.Tables {
			out = append(out, t.ID)
		}
		for _, f := range m.Figures {
			out = append(out, f.ID)
		}
		return out
	}
	assert.Equal(t, ids(a), ids(b))
}

func TestDecomposeTextOnlyPage(t *testing.T) {
	b := pdftest.New()
	b.Page().
		Text(72, 100, 11, pdftest.Regular, "A single page of plain text.").
		Text(72, 115, 11, pdftest.Regular, "Nothing here is a heading.")

	m, err := newTestEngine(t).Decompose(context.Background(), b.Bytes(), WithFilename("memo.pdf"))
	require.NoError(t, err)
	require.Len(t, m.Sections, 1)
	assert.Equal(t, "memo", m.Sections[0].Title)
	assert.Empty(t, m.Tables)
	assert.Empty(t, m.Figures)
}

func TestDecomposeBlankDocument(t *testing.T) {
	b := pdftest.New()
	b.Page()

	e := newTestEngine(t)
	_, err := e.Decompose(context.Background(), b.Bytes())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoContentExtracted)
	assert.ErrorIs(t, err, manifest.ErrNoContent)
	assert.NotErrorIs(t, err, ErrAssetWrite)

	var de *DecompositionError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, StageAssemble, de.Stage)

	docs, err := e.ListDocuments(context.Background())
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestDecomposeCorruptDocument(t *testing.T) {
	_, err := newTestEngine(t).Decompose(context.Background(), []byte("not a pdf at all, only some filler bytes to get past the header checks......"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDocumentOpen)
	assert.ErrorIs(t, err, scanner.ErrOpen)
}

func TestDecomposeCancelled(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Decompose(ctx, threePagePDF())
	assert.ErrorIs(t, err, context.Canceled)

	docs, err := e.ListDocuments(context.Background())
	require.NoError(t, err)
	assert.Empty(t, docs)
	entries, err := os.ReadDir(e.Store().DataDir())
	require.NoError(t, err)
	for _, de := range entries {
		assert.NotContains(t, de.Name(), "doc_", "nothing may be published")
	}
}

func TestDecomposeReportsProgress(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []Progress
	)
	_, err := newTestEngine(t).Decompose(context.Background(), threePagePDF(), WithProgress(func(p Progress) {
		mu.Lock()
		calls = append(calls, p)
		mu.Unlock()
	}))
	require.NoError(t, err)

	require.Len(t, calls, 3)
	pages := map[int]bool{}
	for i, p := range calls {
		assert.Equal(t, i+1, p.Done)
		assert.Equal(t, 3, p.Total)
		pages[p.Page] = true
	}
	assert.Len(t, pages, 3)
}

func TestIngestSkipsUnchanged(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "report.pdf")
	require.NoError(t, os.WriteFile(path, threePagePDF(), 0o644))

	first, err := e.Ingest(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", first.Document.Filename)

	pages := 0
	second, err := e.Ingest(ctx, path, WithProgress(func(Progress) { pages++ }))
	require.NoError(t, err)
	assert.Zero(t, pages, "unchanged document must not be analyzed again")
	assert.Equal(t, first.Digest, second.Digest)

	_, err = e.Ingest(ctx, path, WithForceReparse(), WithProgress(func(Progress) { pages++ }))
	require.NoError(t, err)
	assert.Equal(t, 3, pages)

	docs, err := e.ListDocuments(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestDeleteDocument(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	m, err := e.Decompose(ctx, threePagePDF())
	require.NoError(t, err)

	require.NoError(t, e.Delete(ctx, m.Document.DocID))
	_, err = e.Assets().Index(ctx, m.Document.DocID)
	assert.ErrorIs(t, err, ErrDocumentNotFound)
	assert.ErrorIs(t, e.Delete(ctx, m.Document.DocID), ErrDocumentNotFound)
}
