package receipt

import (
	"errors"
	"fmt"

	"github.com/zombor/receipt-journal/internal/scanning"
)

// ErrorKind classifies why a run failed
type ErrorKind string

const (
	KindFile        ErrorKind = "file"
	KindUnsupported ErrorKind = "unsupported"
	KindQuota       ErrorKind = "quota"
	KindMalformed   ErrorKind = "malformed"
	KindMismatch    ErrorKind = "mismatch"
	KindExtraction  ErrorKind = "extraction"
	KindInternal    ErrorKind = "internal"
)

// User-facing messages shown in the session error channel
const (
	MessageQuota       = "APIの1日の利用上限に達しました。明日もう一度お試しください。"
	MessageMalformed   = "AIからの応答を解析できませんでした。予期しない形式のデータが返されました。"
	MessageMismatch    = "AIからの応答が、リクエストした画像の数と一致しませんでした。"
	MessageExtraction  = "AIによるレシートの読み取りに失敗しました。画像の品質を確認するか、再度お試しください。"
	MessageInternal    = "予期しないエラーが発生しました。もう一度お試しください。"
	messagePDF         = "PDFの処理中にエラーが発生しました: %s"
	messageFile        = "ファイルの処理中にエラーが発生しました: %s"
	messageUnsupported = "対応していないファイル形式です: %s"
)

// RunError is the single failure reported for a run
type RunError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// classifyRunError maps a pipeline error to its kind and user message
func classifyRunError(err error) *RunError {
	var runErr *RunError
	if errors.As(err, &runErr) {
		return runErr
	}

	var fileErr *scanning.FileError
	switch {
	case errors.As(err, &fileErr) && errors.Is(err, scanning.ErrUnsupportedFile):
		return &RunError{Kind: KindUnsupported, Message: fmt.Sprintf(messageUnsupported, fileErr.Name), Err: err}
	case errors.As(err, &fileErr) && fileErr.PDF:
		return &RunError{Kind: KindFile, Message: fmt.Sprintf(messagePDF, fileErr.Name), Err: err}
	case errors.As(err, &fileErr):
		return &RunError{Kind: KindFile, Message: fmt.Sprintf(messageFile, fileErr.Name), Err: err}
	case errors.Is(err, scanning.ErrQuotaExceeded):
		return &RunError{Kind: KindQuota, Message: MessageQuota, Err: err}
	case errors.Is(err, scanning.ErrMalformedResponse):
		return &RunError{Kind: KindMalformed, Message: MessageMalformed, Err: err}
	case errors.Is(err, scanning.ErrResultCountMismatch):
		return &RunError{Kind: KindMismatch, Message: MessageMismatch, Err: err}
	default:
		return &RunError{Kind: KindExtraction, Message: MessageExtraction, Err: err}
	}
}
