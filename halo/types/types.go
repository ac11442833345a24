package types

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

const (
	Version1 = 1

	CodePrefix      = "LAS#"
	BatchCodePrefix = "LASB#"

	PostTypeFree      = "free"
	PostTypeSponsored = "sponsored"

	LiveFlagLive    = "live"
	LiveFlagNotLive = "not-live"

	SignatureValid   = "valid"
	SignatureInvalid = "invalid"
	SignatureSkipped = "skipped"

	ActionAllow     = "allow"
	ActionSoftBlock = "soft_block"
	ActionHardBlock = "hard_block"

	BatchOpen     = "open"
	BatchSealed   = "sealed"
	BatchAnchored = "anchored"
)

type ModerationRecord struct {
	Action         string   `json:"action"`
	Categories     []string `json:"categories"`
	CharterVersion string   `json:"charterVersion"`
}

type Post struct {
	SequentialCode       string           `json:"sequentialCode"`
	Sequence             uint64           `json:"-"`
	Content              string           `json:"content"`
	ContentHash          string           `json:"contentHash"`
	UserAddress          string           `json:"userAddress"`
	Signature            string           `json:"signature"`
	PubKey               string           `json:"pubkey,omitempty"`
	Timestamp            int64            `json:"timestamp"`
	PostType             string           `json:"postType"`
	LiveFlag             string           `json:"liveFlag"`
	FlagReason           *string          `json:"flagReason,omitempty"`
	FlaggedBy            *string          `json:"flaggedBy,omitempty"`
	FlaggedAt            *int64           `json:"flaggedAt,omitempty"`
	ParentSequentialCode *string          `json:"parentSequentialCode,omitempty"`
	ParentIPFSHash       *string          `json:"parentIpfsHash,omitempty"`
	BlockHeight          *int64           `json:"blockHeight"`
	AnchorTxID           *string          `json:"anchorTxId,omitempty"`
	BatchNumber          *int64           `json:"batchNumber,omitempty"`
	SignatureStatus      string           `json:"signatureStatus"`
	Moderation           ModerationRecord `json:"moderation"`
	CreatedAt            int64            `json:"createdAt"`
}

// IsReply reports whether the post references a parent by code or IPFS hash.
func (p *Post) IsReply() bool {
	return (p.ParentSequentialCode != nil && *p.ParentSequentialCode != "") ||
		(p.ParentIPFSHash != nil && *p.ParentIPFSHash != "")
}

// ReplyKeys returns the reply index keys the post is listed under.
func (p *Post) ReplyKeys() []string {
	var keys []string
	if p.ParentSequentialCode != nil && *p.ParentSequentialCode != "" {
		keys = append(keys, ParentCodeKey(*p.ParentSequentialCode))
	}
	if p.ParentIPFSHash != nil && *p.ParentIPFSHash != "" {
		keys = append(keys, ParentIPFSKey(*p.ParentIPFSHash))
	}
	return keys
}

func ParentCodeKey(code string) string { return "code:" + code }

func ParentIPFSKey(hash string) string { return "ipfs:" + hash }

type Batch struct {
	BatchNumber int64    `json:"batchNumber"`
	BatchCode   string   `json:"batchCode"`
	Owner       string   `json:"owner"`
	Status      string   `json:"status"`
	PostCodes   []string `json:"postCodes"`
	MerkleRoot  string   `json:"merkleRoot,omitempty"`
	IPFSHash    *string  `json:"ipfsHash,omitempty"`
	AnchorTxID  *string  `json:"anchorTxId,omitempty"`
	BlockHeight *int64   `json:"blockHeight,omitempty"`
	Attempts    int      `json:"attempts"`
	LastError   *string  `json:"lastError,omitempty"`
	CreatedAt   int64    `json:"createdAt"`
	SealedAt    *int64   `json:"sealedAt,omitempty"`
	AnchoredAt  *int64   `json:"anchoredAt,omitempty"`
}

// BatchLeaf is the per-post input to a batch merkle root.
type BatchLeaf struct {
	Code        string `json:"code"`
	ContentHash string `json:"contentHash"`
}

func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func NowMillis() int64 {
	return time.Now().UnixMilli()
}

func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
