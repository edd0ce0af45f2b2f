package lifecycle

import (
	"errors"
	"fmt"
)

// Kind 领域错误类别（透传给外层 API 翻译为用户可见响应，不自动重试）
type Kind int

const (
	KindNone              Kind = iota
	KindNotFound               // 任务或工人不存在
	KindInvalidState           // 当前生命周期状态不允许该操作
	KindNotOwner               // 操作者不是任务的指派工人
	KindAlreadyClosed          // 任务已关闭
	KindWorkerUnavailable      // 工人非空闲 / 无技能 / 不在班
	KindAlreadyAssigned        // 任务已有指派工人
)

// String 类别名称
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindInvalidState:
		return "InvalidState"
	case KindNotOwner:
		return "NotOwner"
	case KindAlreadyClosed:
		return "AlreadyClosed"
	case KindWorkerUnavailable:
		return "WorkerUnavailable"
	case KindAlreadyAssigned:
		return "AlreadyAssigned"
	}
	return "None"
}

// DomainError 领域错误
type DomainError struct {
	Kind    Kind
	Message string
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func domainErrorf(kind Kind, format string, args ...any) *DomainError {
	return &DomainError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// KindOf 提取错误的领域类别；非领域错误返回 KindNone
func KindOf(err error) Kind {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindNone
}

// Result 操作结果三态：成功应用 / 良性空转（如重复接单）/ 错误走 error 通道
type Result int

const (
	ResultApplied Result = iota // 状态已变更
	ResultNoOp                  // 无需变更（幂等重复）
)

// String 结果名称
func (r Result) String() string {
	if r == ResultNoOp {
		return "noop"
	}
	return "applied"
}
