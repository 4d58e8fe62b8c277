/*Package export writes raw measurement data to files for offline analysis.

Two formats are produced: tab-delimited text with one column per repetition,
and a FITS cube holding the forward and backward buffers.
*/
package export

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/pkg/errors"

	"github.com/nasa-jpl/flipcoil/data"
)

// Comment is the first line of every .dat file
const Comment = "Flip Coil"

// Header is the column header line of every .dat file
var Header = turnHeader(10)

func turnHeader(n int) string {
	cols := make([]string, n)
	for i := range cols {
		cols[i] = fmt.Sprintf("Turn%d[V.s]", i+1)
	}
	return strings.Join(cols, "\t")
}

// DatName is the file name of a .dat export with prefix taken at t
func DatName(prefix string, t time.Time) string {
	return prefix + t.Format("_06_01_02_15_04") + ".dat"
}

/*WriteDat writes cols as tab-delimited text, one row per sample and one
column per repetition, below the comment and header lines.  Ragged columns
are padded with empty cells.
*/
func WriteDat(w io.Writer, cols [][]float64, comment string) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s\n%s\n", comment, Header)
	rows := 0
	for _, c := range cols {
		if len(c) > rows {
			rows = len(c)
		}
	}
	for r := 0; r < rows; r++ {
		for i, c := range cols {
			if i > 0 {
				bw.WriteByte('\t')
			}
			if r < len(c) {
				fmt.Fprintf(bw, "%.18e", c[r])
			}
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

func bracketColumns(b data.Bracket) [][]float64 {
	return [][]float64{b.Before, b.After}
}

// FITS header keys describing the cube
const (
	keyTurns = "TURNS"
	keyWidth = "WIDTH"
	keyNPLC  = "NPLC"
	keyNRep  = "NREP"
)

/*WriteFITS writes the raw buffers of m as a 3-d float64 image: axis 1 is the
sample, axis 2 the repetition and axis 3 the stroke, forward then backward.
The configuration is recorded in the primary header.
*/
func WriteFITS(w io.Writer, cfg data.MeasurementConfig, m *data.MeasurementData) error {
	reps := m.Repetitions()
	if reps == 0 {
		return errors.New("no complete repetitions to export")
	}
	n := len(m.Forward[0])
	for i := 0; i < reps; i++ {
		if len(m.Forward[i]) != n || len(m.Backward[i]) != n {
			return errors.Errorf("repetition %d has %d/%d samples, expected %d", i, len(m.Forward[i]), len(m.Backward[i]), n)
		}
	}
	f, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer f.Close()
	im := fitsio.NewImage(-64, []int{n, reps, 2})
	defer im.Close()
	cards := []fitsio.Card{
		{Name: "OBJECT", Value: m.Name},
		{Name: keyTurns, Value: cfg.Turns, Comment: "coil turns"},
		{Name: keyWidth, Value: cfg.Width, Comment: "coil width, m"},
		{Name: keyNPLC, Value: cfg.NPLC, Comment: "integration time, power line cycles"},
		{Name: keyNRep, Value: reps, Comment: "repetitions"},
		{Name: "INTEGRTD", Value: m.Integrated, Comment: "samples are flux"},
		{Name: "DATE-OBS", Value: m.Created.UTC().Format("2006-01-02T15:04:05")},
	}
	if err := im.Header().Append(cards...); err != nil {
		return err
	}
	buf := make([]float64, 0, 2*reps*n)
	for _, stroke := range [][][]float64{m.Forward, m.Backward} {
		for i := 0; i < reps; i++ {
			buf = append(buf, stroke[i]...)
		}
	}
	if err := im.Write(buf); err != nil {
		return err
	}
	return f.Write(im)
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return errors.Wrapf(err, "writing %s", path)
	}
	return f.Close()
}

/*Files writes the raw buffers and the position brackets of m to dir as .dat
files, named by the prefixes frw, bck, pos7f, pos8f, pos7b and pos8b, and a
FITS cube if fits is true.  It returns the paths written.
*/
func Files(dir string, cfg data.MeasurementConfig, m *data.MeasurementData, fits bool) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	t := m.Created
	if t.IsZero() {
		t = time.Now()
	}
	sets := []struct {
		prefix string
		cols   [][]float64
	}{
		{"frw", m.Forward},
		{"bck", m.Backward},
		{"pos7f", bracketColumns(m.ForwardA)},
		{"pos8f", bracketColumns(m.ForwardB)},
		{"pos7b", bracketColumns(m.BackwardA)},
		{"pos8b", bracketColumns(m.BackwardB)},
	}
	var paths []string
	for _, s := range sets {
		p := filepath.Join(dir, DatName(s.prefix, t))
		err := writeFile(p, func(w io.Writer) error { return WriteDat(w, s.cols, Comment) })
		if err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	if fits {
		p := filepath.Join(dir, fmt.Sprintf("flipcoil_%d%s", m.ID, t.Format("_06_01_02_15_04")+".fits"))
		err := writeFile(p, func(w io.Writer) error { return WriteFITS(w, cfg, m) })
		if err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}
