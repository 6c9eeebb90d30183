package fetch

import (
	"io"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
)

// progressReader stops after remaining bytes and logs progress every 5% of
// total.
type progressReader struct {
	r         io.Reader
	remaining int64
	done      int64
	total     int64
	nextStep  int64
	logger    *log.Logger
}

func newProgressReader(r io.Reader, limit, done, total int64, logger *log.Logger) *progressReader {
	if total <= 0 || total > limit+done {
		total = limit + done
	}
	p := &progressReader{r: r, remaining: limit, done: done, total: total, logger: logger}
	p.advanceStep()
	return p
}

func (p *progressReader) advanceStep() {
	step := p.total / 20
	if step <= 0 {
		step = 1
	}
	p.nextStep = (p.done/step + 1) * step
}

func (p *progressReader) Read(buf []byte) (int, error) {
	if p.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(buf)) > p.remaining {
		buf = buf[:p.remaining]
	}
	n, err := p.r.Read(buf)
	p.remaining -= int64(n)
	p.done += int64(n)
	if p.done >= p.nextStep || (p.done == p.total && n > 0) {
		p.logger.Info("downloading",
			"progress", humanize.Bytes(uint64(p.done))+"/"+humanize.Bytes(uint64(p.total)),
			"percent", p.done*100/p.total,
		)
		p.advanceStep()
	}
	return n, err
}
