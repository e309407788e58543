package spreadsheet

import (
	"fmt"
	"strconv"
	"strings"
)

// ErrorCode represents standard spreadsheet error codes following
// Excel conventions. 0 is reserved for "no error".
type ErrorCode uint8

const (
	ErrorCodeNull     ErrorCode = 1  // #NULL! - no cells in common between ranges
	ErrorCodeDiv0     ErrorCode = 2  // #DIV/0! - division by zero
	ErrorCodeValue    ErrorCode = 3  // #VALUE! - wrong type of argument or operand
	ErrorCodeRef      ErrorCode = 4  // #REF! - invalid cell reference
	ErrorCodeName     ErrorCode = 5  // #NAME? - unrecognized function or name
	ErrorCodeNum      ErrorCode = 6  // #NUM! - number too large or small to be represented
	ErrorCodeNA       ErrorCode = 7  // #N/A - value not available
	ErrorCodeCircular ErrorCode = 8  // #CIRC! - cell depends on itself
	ErrorCodeSpill    ErrorCode = 9  // #SPILL! - array result blocked by occupied cells
	ErrorCodeCalc     ErrorCode = 10 // #CALC! - engine could not produce a result (empty array, bare LAMBDA)
)

// ErrorMapper maps error code numbers to their string representations
var ErrorMapper = map[ErrorCode]string{
	ErrorCodeNull:     "#NULL!",
	ErrorCodeDiv0:     "#DIV/0!",
	ErrorCodeValue:    "#VALUE!",
	ErrorCodeRef:      "#REF!",
	ErrorCodeName:     "#NAME?",
	ErrorCodeNum:      "#NUM!",
	ErrorCodeNA:       "#N/A",
	ErrorCodeCircular: "#CIRC!",
	ErrorCodeSpill:    "#SPILL!",
	ErrorCodeCalc:     "#CALC!",
}

func (c ErrorCode) String() string {
	if s, ok := ErrorMapper[c]; ok {
		return s
	}
	return fmt.Sprintf("#ERR(%d)", uint8(c))
}

// parseErrorCode maps display text back to an error code, case-insensitively.
func parseErrorCode(text string) (ErrorCode, bool) {
	upper := strings.ToUpper(text)
	for code, s := range ErrorMapper {
		if s == upper {
			return code, true
		}
	}
	return 0, false
}

// grid limits, matching current Excel
const (
	MaxRows    uint32 = 1 << 20
	MaxColumns uint32 = 1 << 14
)

// CellAddress identifies a cell by worksheet and zero-based row and column
type CellAddress struct {
	WorksheetID uint32
	Row         uint32
	Column      uint32
}

// Less orders addresses by worksheet, then row, then column.
func (a CellAddress) Less(b CellAddress) bool {
	if a.WorksheetID != b.WorksheetID {
		return a.WorksheetID < b.WorksheetID
	}
	if a.Row != b.Row {
		return a.Row < b.Row
	}
	return a.Column < b.Column
}

// compareAddresses is a three-way form of Less for slices.SortFunc.
func compareAddresses(a, b CellAddress) int {
	switch {
	case a == b:
		return 0
	case a.Less(b):
		return -1
	default:
		return 1
	}
}

// String renders the address as "<worksheet id>!A1".
func (a CellAddress) String() string {
	return strconv.FormatUint(uint64(a.WorksheetID), 10) + "!" + a.A1()
}

// A1 renders the address without its worksheet.
func (a CellAddress) A1() string {
	return columnName(a.Column) + strconv.FormatUint(uint64(a.Row)+1, 10)
}

// Cell represents a spreadsheet cell with its data and metadata. a cell holds
// either a literal or a formula; spilled cells are engine-owned and carry
// only the element of their anchor's array in Result.
type Cell struct {
	Row       uint32 // zero-based row index
	Col       uint32 // zero-based column index
	Literal   Value  // user-entered value for literal cells
	FormulaID uint32 // formula table ID, 0 for literal cells
	Result    Value  // cached formula result, or the spilled element
	Spilled   bool   // true when the cell is owned by a spill region
}

// HasFormula reports whether the cell holds a formula.
func (c *Cell) HasFormula() bool {
	return c != nil && c.FormulaID != 0
}

// userOwned reports whether the cell holds content entered by the user, which
// blocks spills from claiming it.
func (c *Cell) userOwned() bool {
	if c == nil {
		return false
	}
	return c.FormulaID != 0 || (!c.Spilled && c.Literal.Kind != KindBlank)
}

// columnName converts a zero-based column index into letters (0 -> A, 26 -> AA)
func columnName(col uint32) string {
	var buf [8]byte
	i := len(buf)
	n := col + 1
	for n > 0 {
		n--
		i--
		buf[i] = byte('A' + n%26)
		n /= 26
	}
	return string(buf[i:])
}

// parseColumnName converts letters into a zero-based column index
func parseColumnName(letters string) (uint32, bool) {
	if letters == "" || len(letters) > 3 {
		return 0, false
	}
	var col uint32
	for i := 0; i < len(letters); i++ {
		ch := letters[i]
		if ch >= 'a' && ch <= 'z' {
			ch -= 'a' - 'A'
		}
		if ch < 'A' || ch > 'Z' {
			return 0, false
		}
		col = col*26 + uint32(ch-'A'+1)
	}
	col--
	if col >= MaxColumns {
		return 0, false
	}
	return col, true
}

// parseA1 parses an unqualified cell reference like "B12" or "$B$12" into a
// zero-based row and column.
func parseA1(ref string) (row, col uint32, ok bool) {
	ref = strings.ReplaceAll(ref, "$", "")
	letterEnd := 0
	for letterEnd < len(ref) && isLetter(ref[letterEnd]) {
		letterEnd++
	}
	if letterEnd == 0 || letterEnd == len(ref) {
		return 0, 0, false
	}
	col, ok = parseColumnName(ref[:letterEnd])
	if !ok {
		return 0, 0, false
	}
	n, err := strconv.ParseUint(ref[letterEnd:], 10, 32)
	if err != nil || n < 1 || n > uint64(MaxRows) {
		return 0, 0, false
	}
	return uint32(n - 1), col, true
}

func isLetter(ch byte) bool {
	return ch >= 'A' && ch <= 'Z' || ch >= 'a' && ch <= 'z'
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}
