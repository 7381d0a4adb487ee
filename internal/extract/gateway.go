package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/southbooks/invoiceflow/constants"
)

// Gateway drives the provider fallback chain: first usable result wins, a
// zero-total or failed provider falls through to the next one. The last
// provider is expected to be the synthetic fallback, so an admitted file
// always yields some record unless the staged file itself cannot be read.
type Gateway struct {
	providers []Provider
	timeout   time.Duration
	log       *zap.SugaredLogger
}

func NewGateway(log *zap.SugaredLogger, timeout time.Duration, providers ...Provider) *Gateway {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Gateway{providers: providers, timeout: timeout, log: log}
}

// Extract runs the chain for the staged file at filePath. The error return is
// reserved for failures before any provider ran (unreadable file, empty chain).
func (g *Gateway) Extract(ctx context.Context, filePath string, typeHint constants.InvoiceType) (*Result, error) {
	if len(g.providers) == 0 {
		return nil, errors.New("no extraction providers configured")
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read staged file: %w", err)
	}

	req := Request{
		FilePath: filePath,
		FileName: filepath.Base(filePath),
		MimeType: constants.MimeTypeForExt(filepath.Ext(filePath)),
		Data:     data,
		TypeHint: typeHint,
	}

	var last *Result
	for _, p := range g.providers {
		start := time.Now()
		pctx, cancel := context.WithTimeout(ctx, g.timeout)
		res, err := p.Extract(pctx, req)
		cancel()

		if err != nil {
			g.log.Warnw("extract.provider.failed",
				"provider", p.Name(),
				"file", req.FileName,
				"elapsed_ms", time.Since(start).Milliseconds(),
				"error", err,
			)
			continue
		}
		if res == nil {
			continue
		}
		res.Provider = p.Name()
		if res.Usable() {
			g.log.Infow("extract.provider.ok",
				"provider", p.Name(),
				"file", req.FileName,
				"total", res.Total,
				"elapsed_ms", time.Since(start).Milliseconds(),
			)
			return res, nil
		}
		g.log.Warnw("extract.provider.unusable",
			"provider", p.Name(),
			"file", req.FileName,
			"total", res.Total,
		)
		last = res
	}

	if last != nil {
		g.log.Warnw("extract.chain.exhausted", "file", req.FileName, "provider", last.Provider)
		return last, nil
	}
	return nil, fmt.Errorf("all extraction providers failed for %s", req.FileName)
}
