package eventstore

import "strconv"

// Key layout shared with the canonical application, which writes the
// allow-comments flag and may schedule comments directly.
const (
	commentIndexPrefix  = "comments:index:"
	commentDataPrefix   = "comments:data:"
	presencePrefix      = "online:"
	allowCommentsPrefix = "stream:allow_comments:"
)

// CommentIndexKey is the sorted set of comment ids scored by visibility time.
func CommentIndexKey(streamID int64) string {
	return commentIndexPrefix + strconv.FormatInt(streamID, 10)
}

// CommentDataKey is the hash of comment id to serialized comment.
func CommentDataKey(streamID int64) string {
	return commentDataPrefix + strconv.FormatInt(streamID, 10)
}

// PresenceKey is the sorted set of viewer ids scored by expiry time.
func PresenceKey(streamID int64) string {
	return presencePrefix + strconv.FormatInt(streamID, 10)
}

// AllowCommentsKey holds "1"/"true" when the stream accepts comments.
func AllowCommentsKey(streamID int64) string {
	return allowCommentsPrefix + strconv.FormatInt(streamID, 10)
}
