package anchor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"halo-indexer/halo/batch"
)

var ErrNoService = errors.New("anchor: no anchoring service configured")

type Journal interface {
	Save(name string, v any) error
}

type Pinner interface {
	PutJSON(ctx context.Context, name string, v any) (string, error)
}

type Service interface {
	Submit(ctx context.Context, in Request) (Response, error)
}

// Pipeline anchors a sealed batch manifest: it journals the manifest
// locally, pins it to IPFS and submits the merkle root to the anchoring
// service. Journal and Pinner are optional.
type Pipeline struct {
	Journal Journal
	Pinner  Pinner
	Service Service
	Logger  *zap.Logger
}

var _ batch.Anchorer = (*Pipeline)(nil)

func (p *Pipeline) Anchor(ctx context.Context, m batch.Manifest) (batch.AnchorResult, error) {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var res batch.AnchorResult

	name := m.BatchCode + ".json"
	if p.Journal != nil {
		if err := p.Journal.Save(m.BatchCode, m); err != nil {
			// The journal is a local convenience copy; anchoring proceeds.
			logger.Warn("journal manifest", zap.String("batch", m.BatchCode), zap.Error(err))
		}
	}
	if p.Pinner != nil {
		cid, err := p.Pinner.PutJSON(ctx, name, m)
		if err != nil {
			return res, fmt.Errorf("pin manifest: %w", err)
		}
		res.IPFSHash = cid
	}
	if p.Service == nil {
		return res, ErrNoService
	}

	codes := make([]string, len(m.Leaves))
	for i, l := range m.Leaves {
		codes[i] = l.Code
	}
	out, err := p.Service.Submit(ctx, Request{
		BatchCode:   m.BatchCode,
		BatchNumber: m.BatchNumber,
		MerkleRoot:  m.MerkleRoot,
		IPFSHash:    res.IPFSHash,
		PostCodes:   codes,
	})
	if err != nil {
		return res, fmt.Errorf("submit anchor: %w", err)
	}
	res.TxID = out.TxID
	res.BlockHeight = out.BlockHeight
	logger.Debug("anchor submitted",
		zap.String("batch", m.BatchCode),
		zap.String("tx", out.TxID),
		zap.Int64("blockHeight", out.BlockHeight),
	)
	return res, nil
}
