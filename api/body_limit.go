package api

import (
	"fmt"
	"io"

	"stockat/adapters/s3"
)

// BodyTooLargeError 表示請求內容超過上限
type BodyTooLargeError struct {
	Limit int64
}

func (e *BodyTooLargeError) Error() string {
	return fmt.Sprintf("request body exceeds %s", s3.FormatBytes(e.Limit))
}

// readLimitedBody 讀取完整的請求內容，超過 limit 時回傳 *BodyTooLargeError
// 只會多讀一個位元組來判斷是否超過上限，不會把過大的內容整個讀進記憶體
func readLimitedBody(body io.Reader, limit int64) ([]byte, error) {
	if limit < 0 {
		limit = 0
	}
	payload, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(payload)) > limit {
		return nil, &BodyTooLargeError{Limit: limit}
	}
	return payload, nil
}
