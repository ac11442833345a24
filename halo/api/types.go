package api

import (
	"time"

	"halo-indexer/halo/moderation"
	"halo-indexer/halo/storage"
	"halo-indexer/halo/types"
)

const PreviewHeader = "X-Moderation-Preview"

type CreatePostRequest struct {
	Content              string  `json:"content"`
	UserAddress          string  `json:"userAddress"`
	Signature            string  `json:"signature"`
	PubKey               string  `json:"pubkey"`
	Timestamp            *int64  `json:"timestamp"`
	PostType             string  `json:"postType"`
	ParentSequentialCode *string `json:"parentSequentialCode"`
	ParentIPFSHash       *string `json:"parentIpfsHash"`
}

type PostListResponse struct {
	Posts   []types.Post `json:"posts"`
	Page    int          `json:"page"`
	Limit   int          `json:"limit"`
	HasMore bool         `json:"hasMore"`
}

type FlagRequest struct {
	LiveFlag  string `json:"liveFlag"`
	Reason    string `json:"reason"`
	Moderator string `json:"moderator"`
}

type FlagHistoryResponse struct {
	SequentialCode string              `json:"sequentialCode"`
	Events         []storage.FlagEvent `json:"events"`
}

type CheckRequest struct {
	Content  string `json:"content"`
	PostType string `json:"postType"`
}

type PreviewResponse struct {
	Preview  bool                `json:"preview"`
	Decision moderation.Decision `json:"decision"`
}

type CharterResponse struct {
	Version  string              `json:"version"`
	Source   string              `json:"source"`
	ETag     string              `json:"etag,omitempty"`
	LoadedAt time.Time           `json:"loadedAt"`
	Charter  *moderation.Charter `json:"charter"`
}

type HealthResponse struct {
	Status             string `json:"status"`
	Role               string `json:"role"`
	Store              string `json:"store"`
	CharterVersion     string `json:"charterVersion,omitempty"`
	LastSequentialCode string `json:"lastSequentialCode,omitempty"`
}

type errorResponse struct {
	Error    string               `json:"error"`
	Fields   map[string]string    `json:"fields,omitempty"`
	Decision *moderation.Decision `json:"decision,omitempty"`
}
