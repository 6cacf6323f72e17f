package s3

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// webhookIDPattern 限制事件 ID 的字元，避免被拿來組出任意的物件路徑
var webhookIDPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,128}$`)

// ObjectPutter 是 S3Operator 需要的 S3 API 子集合，*s3.Client 即滿足此介面
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Operator struct {
	// client 是 S3 客戶端。
	Client ObjectPutter
	// Bucket 是 S3 存儲桶的名稱。
	Bucket string
	// PublicEndpoint 是 S3 存儲桶的公開 Endpoint，未設定時回傳 s3:// 位址。
	PublicEndpoint *url.URL
}

func NewS3Operator(client ObjectPutter, bucket, publicBaseURL string) (*S3Operator, error) {
	const op = "NewS3Operator"
	if bucket == "" {
		return nil, fmt.Errorf("[%s] Bucket cannot be empty", op)
	}
	operator := &S3Operator{Client: client, Bucket: bucket}
	if publicBaseURL != "" {
		publicEndpoint, err := url.Parse(publicBaseURL)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to parse public base URL, err=%w", op, err)
		}
		operator.PublicEndpoint = publicEndpoint
	}
	return operator, nil
}

func (s *S3Operator) UploadFileToS3(ctx context.Context, key, contentType string, fileContent []byte) (string, error) {
	const op = "UploadFileToS3"
	_, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(fileContent),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("[%s] Fail to upload file to S3, err=%w", op, err)
	}
	if s.PublicEndpoint == nil {
		return fmt.Sprintf("s3://%s/%s", s.Bucket, key), nil
	}
	uri := *s.PublicEndpoint
	uri.Path = path.Join("/", uri.Path, key)
	return uri.String(), nil
}

// ArchiveWebhook 保存支付閘道送來的原始 webhook 內容，供事後對帳
// 物件路徑為 webhooks/<yyyy-mm-dd>/<eventID>.json，同一事件重送會覆寫同一個物件
func (s *S3Operator) ArchiveWebhook(ctx context.Context, eventID string, receivedAt time.Time, payload []byte) (string, error) {
	const op = "ArchiveWebhook"
	if !webhookIDPattern.MatchString(eventID) {
		return "", fmt.Errorf("[%s] Invalid event id %q", op, eventID)
	}
	key := path.Join("webhooks", receivedAt.UTC().Format(time.DateOnly), eventID+".json")
	location, err := s.UploadFileToS3(ctx, key, "application/json", payload)
	if err != nil {
		return "", fmt.Errorf("[%s] Fail to archive webhook, err=%w", op, err)
	}
	return location, nil
}
