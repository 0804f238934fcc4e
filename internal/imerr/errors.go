// Package imerr 定义了同步引擎各流程边界上使用的错误分类。
// 每类错误都决定了一种对用户可见的呈现方式，见 UserMessage。
package imerr

import (
	"errors"
	"fmt"
)

// TransportError 表示连接层面的失败（拨号、握手、通道中断）。
// AuthFailure 为 true 时表示凭证被通道拒绝，这类错误不能在本地修复，
// 必须升级为整个会话的拆除，而不只是通道重连。
type TransportError struct {
	Op          string // 失败的操作，例如 "dial", "emit"
	AuthFailure bool
	Err         error
}

func (e *TransportError) Error() string {
	if e.AuthFailure {
		return fmt.Sprintf("传输认证失败 (%s): %v", e.Op, e.Err)
	}
	return fmt.Sprintf("传输失败 (%s): %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RequestError 表示服务端返回的客户端错误响应 (4xx)。
// Message 是服务端给出的原文，直接展示给用户，可重试。
type RequestError struct {
	Status  int
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("请求错误 (%d): %s", e.Status, e.Message)
}

// ServerError 表示服务端错误响应 (5xx)。对用户只展示通用失败文案。
type ServerError struct {
	Status int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("服务端错误 (%d)", e.Status)
}

// ValidationError 表示本地前置条件未满足，请求尚未发出。
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("校验失败 (%s): %s", e.Field, e.Message)
}

// DuplicateConversationError 表示重复创建私聊会话的冲突响应。
// 服务端在负载中携带了已存在会话的 ID；调用方应把它当作成功路径处理，
// 采用该 ID 并切换过去，而不是当作错误向用户展示。
type DuplicateConversationError struct {
	ConversationID string
}

func (e *DuplicateConversationError) Error() string {
	return fmt.Sprintf("私聊会话已存在: %s", e.ConversationID)
}

// GenericFailureMessage 是服务端错误时展示的通用文案。
const GenericFailureMessage = "操作失败，请稍后重试"

// IsAuthFailure 判断错误链中是否包含认证被拒的传输错误。
func IsAuthFailure(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.AuthFailure
}

// UserMessage 把任意错误转换为应当展示给用户的文案：
// 客户端错误原样透出服务端消息，服务端错误用通用文案，
// 传输错误透出底层错误文本，本地校验错误透出校验消息。
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var re *RequestError
	if errors.As(err, &re) {
		return re.Message
	}
	var se *ServerError
	if errors.As(err, &se) {
		return GenericFailureMessage
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Message
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Err.Error()
	}
	return err.Error()
}
