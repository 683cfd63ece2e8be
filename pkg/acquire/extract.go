package acquire

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/ncolesummers/deep-research-agent/pkg/domain"
)

// DefaultExtractors returns the extractor for every entry of DocumentExtensions
func DefaultExtractors() map[string]domain.TextExtractor {
	return map[string]domain.TextExtractor{
		".pdf":  PDFExtractor{},
		".docx": DOCXExtractor{},
		".xlsx": XLSXExtractor{},
		".doc":  unsupported(".doc"),
		".xls":  unsupported(".xls"),
	}
}

// unsupported reports legacy binary formats that have no extractor
type unsupported string

func (u unsupported) Extract(ctx context.Context, path string) (string, error) {
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, string(u))
}

var disableConfigDir sync.Once

var pagePattern = regexp.MustCompile(`(\d+)\.txt$`)

// PDFExtractor extracts the text shown on each page of a PDF
type PDFExtractor struct{}

// Extract implements domain.TextExtractor. pdfcpu writes the decoded content
// stream of every page to a work directory; the text operators in those
// streams are then decoded in page order.
func (PDFExtractor) Extract(ctx context.Context, path string) (string, error) {
	disableConfigDir.Do(api.DisableConfigDir)

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open pdf: %w", err)
	}
	defer f.Close()

	workDir, err := os.MkdirTemp("", "pdf-content-*")
	if err != nil {
		return "", fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	if err := api.ExtractContent(f, workDir, "page", nil, nil); err != nil {
		return "", fmt.Errorf("failed to extract pdf content: %w", err)
	}

	entries, err := os.ReadDir(workDir)
	if err != nil {
		return "", fmt.Errorf("failed to read work dir: %w", err)
	}

	type page struct {
		num  int
		name string
	}
	var pages []page
	for _, e := range entries {
		m := pagePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		pages = append(pages, page{num: n, name: e.Name()})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].num < pages[j].num })

	var sb strings.Builder
	for _, p := range pages {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		stream, err := os.ReadFile(filepath.Join(workDir, p.name))
		if err != nil {
			return "", fmt.Errorf("failed to read page %d: %w", p.num, err)
		}
		if text := pdfText(stream); text != "" {
			sb.WriteString(text)
			sb.WriteString("\n\n")
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

// pdfText decodes the strings shown by the Tj, TJ, ' and " operators of a
// page content stream. Line-moving operators become newlines.
func pdfText(stream []byte) string {
	var (
		out     strings.Builder
		pending []string
	)
	newline := func() {
		if out.Len() > 0 && !strings.HasSuffix(out.String(), "\n") {
			out.WriteByte('\n')
		}
	}

	for i := 0; i < len(stream); {
		c := stream[i]
		switch {
		case c == '(':
			s, n := readLiteral(stream[i:])
			pending = append(pending, s)
			i += n
		case c == '<' && i+1 < len(stream) && stream[i+1] == '<':
			i += 2
		case c == '<':
			s, n := readHex(stream[i:])
			pending = append(pending, s)
			i += n
		case c == '%':
			for i < len(stream) && stream[i] != '\n' && stream[i] != '\r' {
				i++
			}
		case c == '/':
			i++
			for i < len(stream) && isOperatorByte(stream[i]) {
				i++
			}
		case isOperatorStart(c):
			start := i
			for i < len(stream) && isOperatorByte(stream[i]) {
				i++
			}
			switch op := string(stream[start:i]); op {
			case "Tj", "TJ":
				out.WriteString(strings.Join(pending, ""))
			case "'", "\"":
				newline()
				out.WriteString(strings.Join(pending, ""))
			case "T*", "Td", "TD", "ET":
				newline()
			}
			pending = pending[:0]
		default:
			i++
		}
	}
	return strings.TrimSpace(out.String())
}

func isOperatorStart(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '\'' || c == '"'
}

func isOperatorByte(c byte) bool {
	return isOperatorStart(c) || c == '*' || (c >= '0' && c <= '9')
}

// readLiteral reads a (...) string starting at b[0] and returns the decoded
// text and the number of bytes consumed.
func readLiteral(b []byte) (string, int) {
	var buf []byte
	depth := 0
	i := 0
	for ; i < len(b); i++ {
		c := b[i]
		switch c {
		case '(':
			depth++
			if depth == 1 {
				continue
			}
		case ')':
			depth--
			if depth == 0 {
				return decodePDFString(buf), i + 1
			}
		case '\\':
			i++
			if i >= len(b) {
				break
			}
			switch e := b[i]; e {
			case 'n':
				buf = append(buf, '\n')
			case 'r':
				buf = append(buf, '\r')
			case 't':
				buf = append(buf, '\t')
			case 'b':
				buf = append(buf, '\b')
			case 'f':
				buf = append(buf, '\f')
			case '\r', '\n':
				// line continuation
			default:
				if e >= '0' && e <= '7' {
					v := 0
					j := 0
					for ; j < 3 && i+j < len(b) && b[i+j] >= '0' && b[i+j] <= '7'; j++ {
						v = v*8 + int(b[i+j]-'0')
					}
					buf = append(buf, byte(v))
					i += j - 1
				} else {
					buf = append(buf, e)
				}
			}
			continue
		}
		buf = append(buf, c)
	}
	return decodePDFString(buf), i
}

// readHex reads a <...> string starting at b[0]
func readHex(b []byte) (string, int) {
	end := 1
	for end < len(b) && b[end] != '>' {
		end++
	}
	var digits []byte
	for _, c := range b[1:min(end, len(b))] {
		if isHexDigit(c) {
			digits = append(digits, c)
		}
	}
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	buf := make([]byte, 0, len(digits)/2)
	for i := 0; i < len(digits); i += 2 {
		v, _ := strconv.ParseUint(string(digits[i:i+2]), 16, 8)
		buf = append(buf, byte(v))
	}
	return decodePDFString(buf), min(end+1, len(b))
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// decodePDFString handles UTF-16BE strings with a byte order mark, UTF-8 and
// falls back to Latin-1.
func decodePDFString(b []byte) string {
	if len(b) >= 2 && b[0] == 0xFE && b[1] == 0xFF {
		units := make([]uint16, 0, (len(b)-2)/2)
		for i := 2; i+1 < len(b); i += 2 {
			units = append(units, uint16(b[i])<<8|uint16(b[i+1]))
		}
		return string(utf16.Decode(units))
	}
	if utf8.Valid(b) {
		return string(b)
	}
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}

// DOCXExtractor extracts paragraph text from word/document.xml
type DOCXExtractor struct{}

// Extract implements domain.TextExtractor
func (DOCXExtractor) Extract(ctx context.Context, path string) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("failed to open docx: %w", err)
	}
	defer zr.Close()

	part, err := openZipPart(&zr.Reader, "word/document.xml")
	if err != nil {
		return "", err
	}
	defer part.Close()

	var sb strings.Builder
	dec := xml.NewDecoder(part)
	inText := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to parse docx: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				sb.WriteByte('\t')
			case "br":
				sb.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

// XLSXExtractor extracts cell values sheet by sheet, one row per line
type XLSXExtractor struct{}

var sheetPattern = regexp.MustCompile(`^xl/worksheets/sheet(\d+)\.xml$`)

// Extract implements domain.TextExtractor
func (XLSXExtractor) Extract(ctx context.Context, path string) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer zr.Close()

	shared, err := readSharedStrings(&zr.Reader)
	if err != nil {
		return "", err
	}

	type sheet struct {
		num  int
		file *zip.File
	}
	var sheets []sheet
	for _, f := range zr.File {
		if m := sheetPattern.FindStringSubmatch(f.Name); m != nil {
			n, _ := strconv.Atoi(m[1])
			sheets = append(sheets, sheet{num: n, file: f})
		}
	}
	sort.Slice(sheets, func(i, j int) bool { return sheets[i].num < sheets[j].num })

	var sb strings.Builder
	for _, s := range sheets {
		rc, err := s.file.Open()
		if err != nil {
			return "", fmt.Errorf("failed to open sheet %d: %w", s.num, err)
		}
		err = writeSheet(rc, shared, &sb)
		rc.Close()
		if err != nil {
			return "", fmt.Errorf("failed to parse sheet %d: %w", s.num, err)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

func readSharedStrings(zr *zip.Reader) ([]string, error) {
	part, err := openZipPart(zr, "xl/sharedStrings.xml")
	if err != nil {
		// workbooks without text cells have no shared string table
		return nil, nil
	}
	defer part.Close()

	var (
		strs   []string
		cur    strings.Builder
		inText bool
	)
	dec := xml.NewDecoder(part)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return strs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse shared strings: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "si":
				cur.Reset()
			case "t":
				inText = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "si":
				strs = append(strs, cur.String())
			case "t":
				inText = false
			}
		case xml.CharData:
			if inText {
				cur.Write(t)
			}
		}
	}
}

func writeSheet(r io.Reader, shared []string, sb *strings.Builder) error {
	var (
		cells    []string
		cellType string
		value    strings.Builder
		inValue  bool
	)
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "row":
				cells = cells[:0]
			case "c":
				cellType = ""
				value.Reset()
				for _, a := range t.Attr {
					if a.Name.Local == "t" {
						cellType = a.Value
					}
				}
			case "v", "t":
				inValue = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "v", "t":
				inValue = false
			case "c":
				v := value.String()
				if cellType == "s" {
					if idx, err := strconv.Atoi(v); err == nil && idx >= 0 && idx < len(shared) {
						v = shared[idx]
					}
				}
				if v != "" {
					cells = append(cells, v)
				}
			case "row":
				if len(cells) > 0 {
					sb.WriteString(strings.Join(cells, "\t"))
					sb.WriteByte('\n')
				}
			}
		case xml.CharData:
			if inValue {
				value.Write(t)
			}
		}
	}
}

func openZipPart(zr *zip.Reader, name string) (io.ReadCloser, error) {
	for _, f := range zr.File {
		if f.Name == name {
			rc, err := f.Open()
			if err != nil {
				return nil, fmt.Errorf("failed to open %s: %w", name, err)
			}
			return rc, nil
		}
	}
	return nil, fmt.Errorf("%w: missing %s", domain.ErrMalformedResponse, name)
}
