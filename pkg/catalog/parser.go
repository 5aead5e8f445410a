package catalog

import (
	"fmt"
	"path"
	"strings"

	"golang.org/x/net/html"

	"github.com/sharebroker/sharebroker/internal/logger"
	"github.com/sharebroker/sharebroker/pkg/registry"
)

// TableParser extracts candidate records from the HTML tables of a wiki
// catalog page.
//
// Two table shapes are recognized:
//
//   - The share-path table: six positional columns
//     (lab, storage, mac path, windows path, linux path, group).
//     Rows become LOCAL_FS candidates keyed by the slugified linux path.
//   - Bucket tables: any table carrying "External URL" and
//     "Filesystem Path" columns. Rows become OBJECT_STORE candidates whose
//     proxy URL is taken from the external URL column.
//
// Tables matching neither shape are skipped. The wiki renders merged cells
// as empty ones, so empty cells inherit the value above them column-wise
// before rows are read.
type TableParser struct{}

// NewTableParser creates a parser for wiki catalog pages.
func NewTableParser() *TableParser {
	return &TableParser{}
}

// Column count of the share-path table.
const sharePathColumns = 6

// Parse extracts all candidates from the page. A page with no usable table
// fails with registry.ErrParseFailure: an unreadable catalog must abort the
// pass, not masquerade as an empty one.
func (p *TableParser) Parse(doc *Document) ([]Candidate, error) {
	tables, err := extractTables(doc.Body)
	if err != nil {
		return nil, fmt.Errorf("catalog page: %w: %v", registry.ErrParseFailure, err)
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("catalog page contains no tables: %w", registry.ErrParseFailure)
	}

	var candidates []Candidate
	sharesSeen := false

	for i, table := range tables {
		table.forwardFill()

		switch {
		case table.isBucketTable():
			rows := table.bucketCandidates()
			logger.Debug("Parsed bucket table %d: %d candidates", i+1, len(rows))
			candidates = append(candidates, rows...)
		case !sharesSeen && len(table.headers) >= sharePathColumns:
			rows := table.shareCandidates()
			logger.Debug("Parsed share path table %d: %d candidates", i+1, len(rows))
			candidates = append(candidates, rows...)
			sharesSeen = true
		default:
			logger.Debug("Skipping table %d: unrecognized shape (%d columns)", i+1, len(table.headers))
		}
	}

	if len(candidates) == 0 && !sharesSeen {
		return nil, fmt.Errorf("catalog page has no share path table: %w", registry.ErrParseFailure)
	}
	return candidates, nil
}

// htmlTable is one extracted table: a header row plus data rows, all cells
// as trimmed text.
type htmlTable struct {
	headers []string
	rows    [][]string
}

// forwardFill replaces empty cells with the value above them. The wiki
// renders vertically merged cells as present-then-empty, so this restores
// the intended per-row values.
func (t *htmlTable) forwardFill() {
	for col := 0; col < len(t.headers); col++ {
		last := ""
		for _, row := range t.rows {
			if col >= len(row) {
				continue
			}
			if row[col] == "" {
				row[col] = last
			} else {
				last = row[col]
			}
		}
	}
}

func (t *htmlTable) headerIndex(name string) int {
	for i, h := range t.headers {
		if strings.EqualFold(strings.TrimSpace(h), name) {
			return i
		}
	}
	return -1
}

func (t *htmlTable) isBucketTable() bool {
	return t.headerIndex("External URL") >= 0 && t.headerIndex("Filesystem Path") >= 0
}

// shareCandidates reads the positional share-path table.
func (t *htmlTable) shareCandidates() []Candidate {
	var out []Candidate
	for _, row := range t.rows {
		if len(row) < sharePathColumns {
			continue
		}
		lab, storage := row[0], row[1]
		macPath, windowsPath := row[2], row[3]
		linuxPath, group := row[4], row[5]

		if linuxPath == "" {
			logger.Debug("Skipping share row with empty linux path (lab=%q)", lab)
			continue
		}

		out = append(out, Candidate{
			SourceKey:     Slugify(linuxPath),
			DisplayName:   lab,
			CanonicalPath: linuxPath,
			Backend:       registry.BackendLocalFS,
			Zone:          lab,
			Storage:       storage,
			Group:         group,
			MacPath:       macPath,
			WindowsPath:   windowsPath,
		})
	}
	return out
}

// bucketCandidates reads an external-bucket table.
func (t *htmlTable) bucketCandidates() []Candidate {
	urlCol := t.headerIndex("External URL")
	pathCol := t.headerIndex("Filesystem Path")

	var out []Candidate
	for _, row := range t.rows {
		if urlCol >= len(row) || pathCol >= len(row) {
			continue
		}
		externalURL, fsPath := row[urlCol], row[pathCol]
		if externalURL == "" || fsPath == "" {
			logger.Debug("Skipping bucket row with missing values (url=%q path=%q)", externalURL, fsPath)
			continue
		}

		out = append(out, Candidate{
			SourceKey:     Slugify(fsPath),
			DisplayName:   path.Base(fsPath),
			CanonicalPath: fsPath,
			Backend:       registry.BackendObjectStore,
			ProxyURL:      externalURL,
		})
	}
	return out
}

// extractTables parses body and returns every <table> as rows of cell text.
// The first row of each table (whether <th> or <td>) is taken as the header.
func extractTables(body string) ([]htmlTable, error) {
	root, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return nil, err
	}

	var tables []htmlTable
	walk(root, "table", func(tableNode *html.Node) {
		var rows [][]string
		walk(tableNode, "tr", func(tr *html.Node) {
			var cells []string
			for cell := tr.FirstChild; cell != nil; cell = cell.NextSibling {
				if cell.Type == html.ElementNode && (cell.Data == "td" || cell.Data == "th") {
					cells = append(cells, strings.TrimSpace(nodeText(cell)))
				}
			}
			if len(cells) > 0 {
				rows = append(rows, cells)
			}
		})
		if len(rows) == 0 {
			return
		}
		tables = append(tables, htmlTable{headers: rows[0], rows: rows[1:]})
	})
	return tables, nil
}

// walk calls fn on every element named tag under n, without descending into
// matched elements (nested tables are treated as cell content).
func walk(n *html.Node, tag string, fn func(*html.Node)) {
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == html.ElementNode && child.Data == tag {
			fn(child)
			continue
		}
		walk(child, tag, fn)
	}
}

// nodeText returns the concatenated text content of n.
func nodeText(n *html.Node) string {
	var b strings.Builder
	var visit func(*html.Node)
	visit = func(node *html.Node) {
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			visit(child)
		}
	}
	visit(n)
	return b.String()
}
