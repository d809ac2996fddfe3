package report

import (
	"bufio"
	"fmt"
	"io"

	"github.com/tracecov/tracecov/pkg/branch"
	"github.com/tracecov/tracecov/pkg/traces"
)

// writeLCOV emits one record per file in the lcov tracefile format genhtml
// and CI coverage services consume. Source paths stay absolute, lcov
// resolves them itself.
func writeLCOV(w io.Writer, tm *traces.TraceMap) error {
	bw := bufio.NewWriter(w)
	for _, file := range tm.Files() {
		fmt.Fprintln(bw, "TN:")
		fmt.Fprintf(bw, "SF:%s\n", file)

		block := 0
		brf, brh := 0, 0
		tm.WalkBranches(file, func(decision branch.LineRange, arms []traces.ArmState) {
			reached := tm.LineHit(file, decision.Start)
			for _, arm := range arms {
				if arm.Taken {
					reached = true
				}
			}
			for i, arm := range arms {
				// "-" means the decision was never evaluated.
				taken := "-"
				if reached {
					if arm.Taken {
						taken = "1"
						brh++
					} else {
						taken = "0"
					}
				}
				fmt.Fprintf(bw, "BRDA:%d,%d,%d,%s\n", decision.Start, block, i, taken)
				brf++
			}
			block++
		})
		if brf > 0 {
			fmt.Fprintf(bw, "BRF:%d\n", brf)
			fmt.Fprintf(bw, "BRH:%d\n", brh)
		}

		lf, lh := 0, 0
		for _, tr := range tm.FileTraces(file) {
			fmt.Fprintf(bw, "DA:%d,%d\n", tr.Line, tr.Hits)
			lf++
			if tr.Hits > 0 {
				lh++
			}
		}
		fmt.Fprintf(bw, "LF:%d\n", lf)
		fmt.Fprintf(bw, "LH:%d\n", lh)
		fmt.Fprintln(bw, "end_of_record")
	}
	return bw.Flush()
}
