package chunkstore

// Redis key builders. The shapes are shared with the other relay nodes, so
// any change here is a wire change.

func keyChunks(messageID string) string { return "stream:chunks:" + messageID }

func keyMetadata(messageID string) string { return "stream:metadata:" + messageID }

func keyAppendLock(messageID string) string { return "stream:lock:" + messageID }
