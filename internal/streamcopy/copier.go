package streamcopy

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/router-for-me/RelayCore/internal/telemetry"
)

// Result classifies how a pump ended.
type Result int

const (
	// ResultDone: the source reached EOF and every byte was written.
	ResultDone Result = iota
	// ResultCanceled: the pump was interrupted by cancellation or
	// inactivity timeout.
	ResultCanceled
	// ResultReadError: the source failed before EOF.
	ResultReadError
	// ResultWriteError: the destination failed.
	ResultWriteError
)

func (r Result) String() string {
	switch r {
	case ResultDone:
		return "Done"
	case ResultCanceled:
		return "Canceled"
	case ResultReadError:
		return "ReadError"
	case ResultWriteError:
		return "WriteError"
	}
	return "Unknown"
}

// progressInterval caps how often ContentTransferring events fire.
const progressInterval = time.Second

// Copy pumps src into dst until EOF, error, or cancellation, touching
// tok after every successful read and write so idle connections can be
// reaped without disturbing busy ones. It returns how the pump ended,
// the number of bytes moved, and the terminal error (nil on ResultDone).
//
// Bytes are never reordered, duplicated, or dropped: each chunk is fully
// written before the next read. Buffers come from the shared pool; a
// buffer is kept across iterations while reads fill it completely
// (another full read is likely ready) and returned between iterations
// otherwise.
func Copy(ctx context.Context, dst io.Writer, src io.Reader, tok *ActivityToken, request bool, tel telemetry.Consumer) (Result, int64, error) {
	if tel == nil {
		tel = telemetry.Nop{}
	}

	var (
		total         int64
		iops          int64
		readTime      time.Duration
		writeTime     time.Duration
		firstReadTime time.Duration = -1
		lastReport                  = time.Now()
	)

	buf := getBuffer()
	defer func() {
		if buf != nil {
			putBuffer(buf)
		}
		tel.ContentTransferred(ctx, telemetry.TransferStats{
			Request:       request,
			Bytes:         total,
			IOPS:          iops,
			ReadTime:      readTime,
			WriteTime:     writeTime,
			FirstReadTime: firstReadTime,
		})
	}()

	for {
		if err := ctx.Err(); err != nil {
			return ResultCanceled, total, context.Cause(ctx)
		}

		readStart := time.Now()
		n, rerr := src.Read(*buf)
		readTime += time.Since(readStart)
		if firstReadTime < 0 {
			firstReadTime = time.Since(readStart)
		}
		if n > 0 {
			iops++
			if tok != nil {
				tok.Touch()
			}

			writeStart := time.Now()
			wn, werr := dst.Write((*buf)[:n])
			writeTime += time.Since(writeStart)
			total += int64(wn)
			if werr == nil && wn < n {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				if isCancellation(werr) {
					return ResultCanceled, total, werr
				}
				return ResultWriteError, total, werr
			}
			if tok != nil {
				tok.Touch()
			}

			if time.Since(lastReport) >= progressInterval {
				lastReport = time.Now()
				tel.ContentTransferring(ctx, telemetry.TransferStats{
					Request:   request,
					Bytes:     total,
					IOPS:      iops,
					ReadTime:  readTime,
					WriteTime: writeTime,
				})
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return ResultDone, total, nil
			}
			if isCancellation(rerr) || ctx.Err() != nil {
				return ResultCanceled, total, rerr
			}
			return ResultReadError, total, rerr
		}

		// Keep the buffer while reads saturate it; otherwise hand it
		// back so slow pumps don't pin 64 KiB each.
		if n < len(*buf) {
			putBuffer(buf)
			buf = getBuffer()
		}
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrInactivity)
}
