package session

import (
	"errors"

	"github.com/zhouzirui/novel-mvp/backend/internal/model/protocol"
	"github.com/zhouzirui/novel-mvp/backend/internal/service/ai"
	"github.com/zhouzirui/novel-mvp/backend/internal/service/conversation"
	"github.com/zhouzirui/novel-mvp/backend/internal/service/speech"
	"github.com/zhouzirui/novel-mvp/backend/internal/service/story"
)

// errorFrame 把认证之后的处理错误映射为非致命的 Error 帧，连接保持打开。
// 上游错误不向客户端暴露细节。
func errorFrame(err error) protocol.Error {
	switch {
	case errors.Is(err, conversation.ErrInvalidInput):
		return protocol.Error{Code: protocol.CodeInvalidMessage, Message: "text and conversationId are required"}
	case errors.Is(err, conversation.ErrNotFound):
		return protocol.Error{Code: protocol.CodeConversationNotFound, Message: "conversation not found"}
	case errors.Is(err, conversation.ErrForbidden):
		return protocol.Error{Code: protocol.CodeForbidden, Message: "conversation belongs to another user"}
	case errors.Is(err, story.ErrEmptyContext):
		return protocol.Error{Code: protocol.CodeEmptyConversation, Message: "conversation has no story material yet"}
	case errors.Is(err, speech.ErrSpeech):
		return protocol.Error{Code: protocol.CodeSpeech, Message: "speech synthesis failed"}
	case errors.Is(err, ai.ErrUpstream):
		return protocol.Error{Code: protocol.CodeUpstream, Message: "the language model is unavailable, please retry"}
	default:
		return protocol.Error{Code: protocol.CodeInternal, Message: "internal error"}
	}
}
