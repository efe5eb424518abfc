// Package analyze determines page and ink-coverage counts for a rasterizable
// document by driving an external ghostscript process in inkcov mode.
package analyze

import (
	"context"
	"regexp"
	"strconv"
	"strings"
)

// One record per page: cyan, magenta, yellow and black coverage followed by
// the CMYK OK marker. Ghostscript may split a record across lines, so the
// pattern is matched against the space-joined output.
var inkRecord = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)\s+([0-9]+(?:\.[0-9]+)?)\s+([0-9]+(?:\.[0-9]+)?)\s+([0-9]+(?:\.[0-9]+)?)\s+CMYK\s+OK`)

// Analysis is the per-document summary: total pages and how many of them
// are not monochrome.
type Analysis struct {
	Pages      int
	ColorPages int
}

// Runner produces the stdout lines of the page-analysis process for a file.
type Runner interface {
	Run(ctx context.Context, file string) ([]string, error)
}

type Analyzer struct {
	runner Runner
}

func NewAnalyzer(runner Runner) *Analyzer {
	return &Analyzer{runner: runner}
}

// Analyze runs the analysis process on the file and parses its output. A
// process that launches cleanly but reports no pages yields an empty
// Analysis, not an error.
func (a *Analyzer) Analyze(ctx context.Context, file string) (Analysis, error) {
	lines, err := a.runner.Run(ctx, file)
	if err != nil {
		return Analysis{}, err
	}
	return parseOutput(lines), nil
}

func parseOutput(lines []string) Analysis {
	joined := strings.Join(lines, " ")

	var result Analysis
	for _, match := range inkRecord.FindAllStringSubmatch(joined, -1) {
		cyan, err1 := strconv.ParseFloat(match[1], 64)
		magenta, err2 := strconv.ParseFloat(match[2], 64)
		yellow, err3 := strconv.ParseFloat(match[3], 64)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		result.Pages++
		// A page is monochrome only when the decoded C, M and Y values are
		// exactly equal.
		if !(cyan == magenta && magenta == yellow) {
			result.ColorPages++
		}
	}
	return result
}
