package cps

import (
	"bufio"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"

	"virtualclient/pkg/errs"
	"virtualclient/pkg/metrics"
	"virtualclient/pkg/workload"
)

// row is one interval line:
//
//	T(sec)  N  Pend  Failed  IOFail  Conn/s  Close/s  RXkbyte/s  TXkbyte/s
type row struct {
	seconds   float64
	conns     float64
	pending   float64
	failed    float64
	ioFailed  float64
	connRate  float64
	closeRate float64
	rxKBps    float64
	txKBps    float64
}

const columns = 9

// Parse aggregates the interval rows printed by CPS. Rows that fall inside
// the warmup window are excluded from rate statistics.
func Parse(output string, warmupSeconds int) ([]metrics.Metric, error) {
	var rows []row
	inTable := false

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "T(sec)") {
			inTable = true
			continue
		}
		if !inTable || line == "" {
			continue
		}
		r, ok := parseRow(line)
		if !ok {
			if strings.HasPrefix(line, "###") {
				inTable = false
			}
			continue
		}
		rows = append(rows, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.Wrap(errs.WorkloadResultsNotFound, err, "failed to read CPS output")
	}
	if len(rows) == 0 {
		return nil, errs.New(errs.WorkloadResultsNotFound, "CPS output contains no interval rows")
	}

	measured := make([]row, 0, len(rows))
	for _, r := range rows {
		if r.seconds > float64(warmupSeconds) {
			measured = append(measured, r)
		}
	}
	if len(measured) == 0 {
		measured = rows
	}

	var connRates, closeRates, rx, tx []float64
	for _, r := range measured {
		connRates = append(connRates, r.connRate)
		closeRates = append(closeRates, r.closeRate)
		rx = append(rx, r.rxKBps)
		tx = append(tx, r.txKBps)
	}

	last := rows[len(rows)-1]
	out := workload.Summarize("ConnectsPerSec", "connections/sec", metrics.HigherIsBetter, connRates)
	out = append(out, workload.Summarize("DisconnectsPerSec", "connections/sec", metrics.HigherIsBetter, closeRates)...)
	out = append(out,
		metrics.Metric{Name: "RxKBytesPerSec_Avg", Value: stat.Mean(rx, nil), Unit: "KB/sec", Relativity: metrics.HigherIsBetter},
		metrics.Metric{Name: "TxKBytesPerSec_Avg", Value: stat.Mean(tx, nil), Unit: "KB/sec", Relativity: metrics.HigherIsBetter},
		metrics.Metric{Name: "ActiveConnections", Value: last.conns, Relativity: metrics.Undefined},
		metrics.Metric{Name: "PendingConnections", Value: last.pending, Relativity: metrics.LowerIsBetter},
		metrics.Metric{Name: "SyncFailures", Value: last.failed, Relativity: metrics.LowerIsBetter},
		metrics.Metric{Name: "IOFailures", Value: last.ioFailed, Relativity: metrics.LowerIsBetter},
	)
	return out, nil
}

func parseRow(line string) (row, bool) {
	fields := strings.Fields(line)
	if len(fields) != columns {
		return row{}, false
	}
	values := make([]float64, columns)
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return row{}, false
		}
		values[i] = v
	}
	return row{
		seconds:   values[0],
		conns:     values[1],
		pending:   values[2],
		failed:    values[3],
		ioFailed:  values[4],
		connRate:  values[5],
		closeRate: values[6],
		rxKBps:    values[7],
		txKBps:    values[8],
	}, true
}
