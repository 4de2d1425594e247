package nodes

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3Types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/flowmaestro/flowmaestro/internal/node/runtime"
)

// S3Node is the "s3" node type: object storage operations against S3
// or an S3-compatible endpoint. Errors come back classified so the
// engine's retry/onError policy can distinguish a throttle from a
// missing key.
type S3Node struct{}

func NewS3Node() *S3Node { return &S3Node{} }

func (n *S3Node) GetType() string { return "s3" }

func (n *S3Node) Validate(config map[string]interface{}) error {
	operation, _ := config["operation"].(string)
	if operation == "" {
		return fmt.Errorf("operation is required")
	}
	if _, ok := s3Operations[operation]; !ok {
		return fmt.Errorf("unknown operation %q", operation)
	}
	if operation != "listBuckets" {
		if bucket, _ := config["bucket"].(string); bucket == "" {
			return fmt.Errorf("bucket is required for %s", operation)
		}
	}
	return nil
}

func (n *S3Node) GetMetadata() runtime.NodeMetadata {
	return runtime.NodeMetadata{
		Type:        "s3",
		Name:        "AWS S3",
		Description: "Upload, download, and manage objects in S3-compatible storage",
		Category:    "integration",
		Version:     "2.0.0",
		Icon:        "aws-s3",
		Inputs:      []runtime.PortDefinition{{Name: "main", Type: "main"}},
		Outputs:     []runtime.PortDefinition{{Name: "main", Type: "main"}},
		Properties: []runtime.PropertyDefinition{
			{Name: "operation", Type: "select", Required: true, Options: []runtime.PropertyOption{
				{Label: "Upload", Value: "upload"}, {Label: "Download", Value: "download"},
				{Label: "Delete", Value: "delete"}, {Label: "List", Value: "list"},
				{Label: "Copy", Value: "copy"}, {Label: "Move", Value: "move"},
				{Label: "Get Metadata", Value: "getMetadata"},
				{Label: "List Buckets", Value: "listBuckets"},
				{Label: "Get Presigned URL", Value: "getPresignedUrl"},
			}},
			{Name: "bucket", Type: "string", Required: true},
			{Name: "key", Type: "string"},
			{Name: "content", Type: "string"},
			{Name: "contentType", Type: "string"},
			{Name: "prefix", Type: "string"},
			{Name: "expiresIn", Type: "number", Default: 3600},
		},
	}
}

// s3Operation executes one named operation against a built client.
type s3Operation func(ctx context.Context, client *s3.Client, cfg map[string]interface{}, region string) (map[string]interface{}, error)

var s3Operations = map[string]s3Operation{
	"upload":          s3Upload,
	"download":        s3Download,
	"delete":          s3Delete,
	"copy":            s3Copy,
	"move":            s3Move,
	"list":            s3List,
	"getMetadata":     s3Metadata,
	"listBuckets":     s3ListBuckets,
	"getPresignedUrl": s3PresignedURL,
}

func (n *S3Node) Execute(ctx context.Context, input *runtime.ExecutionInput) (*runtime.ExecutionOutput, error) {
	output := &runtime.ExecutionOutput{Data: make(map[string]interface{})}

	accessKeyID, _ := input.Credentials["accessKeyId"].(string)
	secretAccessKey, _ := input.Credentials["secretAccessKey"].(string)
	region, _ := input.Credentials["region"].(string)
	endpoint, _ := input.Credentials["endpoint"].(string)

	if accessKeyID == "" || secretAccessKey == "" {
		output.Error = runtime.NewNodeError(runtime.ErrorKindAuth, "s3 credentials are missing accessKeyId/secretAccessKey", nil)
		return output, nil
	}
	if region == "" {
		region = "us-east-1"
	}

	operation, _ := input.NodeConfig["operation"].(string)
	op, ok := s3Operations[operation]
	if !ok {
		output.Error = runtime.NewNodeError(runtime.ErrorKindValidation, fmt.Sprintf("unknown operation %q", operation), nil)
		return output, nil
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")),
	)
	if err != nil {
		output.Error = runtime.NewNodeError(runtime.ErrorKindValidation, fmt.Sprintf("failed to build aws config: %v", err), err)
		return output, nil
	}

	var clientOpts []func(*s3.Options)
	if endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}
	client := s3.NewFromConfig(awsCfg, clientOpts...)

	result, err := op(ctx, client, input.NodeConfig, region)
	if err != nil {
		output.Error = classifyS3Error(err)
		return output, nil
	}
	output.Data = result
	return output, nil
}

// classifyS3Error maps S3 API error codes to the engine's error kinds.
// Anything that never reached the service (dial failures, timeouts
// without a code) classifies as network.
func classifyS3Error(err error) *runtime.NodeError {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return runtime.NewNodeError(runtime.ErrorKindNotFound, err.Error(), err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return runtime.NewNodeError(runtime.ErrorKindAuth, err.Error(), err)
		case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded":
			return runtime.NewNodeError(runtime.ErrorKindRateLimited, err.Error(), err)
		case "RequestTimeout":
			return runtime.NewNodeError(runtime.ErrorKindTimeout, err.Error(), err)
		case "InternalError", "ServiceUnavailable":
			return runtime.NewNodeError(runtime.ErrorKindServer, err.Error(), err)
		default:
			return runtime.NewNodeError(runtime.ErrorKindValidation, err.Error(), err)
		}
	}
	return runtime.NewNodeError(runtime.ErrorKindNetwork, err.Error(), err)
}

func s3Upload(ctx context.Context, client *s3.Client, cfg map[string]interface{}, _ string) (map[string]interface{}, error) {
	bucket, _ := cfg["bucket"].(string)
	key, _ := cfg["key"].(string)
	content, _ := cfg["content"].(string)
	contentType, _ := cfg["contentType"].(string)
	encoding, _ := cfg["encoding"].(string)
	acl, _ := cfg["acl"].(string)

	var body []byte
	if encoding == "base64" {
		var err error
		body, err = base64.StdEncoding.DecodeString(content)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 content: %w", err)
		}
	} else {
		body = []byte(content)
	}

	if contentType == "" {
		contentType = detectContentType(key, body)
	}

	putInput := &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	}
	if acl != "" {
		putInput.ACL = s3Types.ObjectCannedACL(acl)
	}

	result, err := client.PutObject(ctx, putInput)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"bucket": bucket, "key": key,
		"etag":        aws.ToString(result.ETag),
		"contentType": contentType,
		"size":        len(body),
	}, nil
}

// detectContentType sniffs the body, falling back to the key's
// extension when sniffing is inconclusive.
func detectContentType(key string, body []byte) string {
	contentType := http.DetectContentType(body)
	if contentType != "application/octet-stream" {
		return contentType
	}
	switch filepath.Ext(key) {
	case ".json":
		return "application/json"
	case ".txt":
		return "text/plain"
	case ".html":
		return "text/html"
	case ".css":
		return "text/css"
	case ".js":
		return "application/javascript"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	}
	return contentType
}

func s3Download(ctx context.Context, client *s3.Client, cfg map[string]interface{}, _ string) (map[string]interface{}, error) {
	bucket, _ := cfg["bucket"].(string)
	key, _ := cfg["key"].(string)
	encoding, _ := cfg["encoding"].(string)

	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer result.Body.Close()

	body, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, err
	}

	content := string(body)
	if encoding == "base64" {
		content = base64.StdEncoding.EncodeToString(body)
	}
	return map[string]interface{}{
		"bucket": bucket, "key": key,
		"content":      content,
		"contentType":  aws.ToString(result.ContentType),
		"size":         len(body),
		"lastModified": result.LastModified,
		"etag":         aws.ToString(result.ETag),
	}, nil
}

func s3Delete(ctx context.Context, client *s3.Client, cfg map[string]interface{}, _ string) (map[string]interface{}, error) {
	bucket, _ := cfg["bucket"].(string)
	key, _ := cfg["key"].(string)
	if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return nil, err
	}
	return map[string]interface{}{"bucket": bucket, "key": key, "deleted": true}, nil
}

func s3Copy(ctx context.Context, client *s3.Client, cfg map[string]interface{}, _ string) (map[string]interface{}, error) {
	sourceBucket, _ := cfg["sourceBucket"].(string)
	sourceKey, _ := cfg["sourceKey"].(string)
	destBucket, _ := cfg["destinationBucket"].(string)
	destKey, _ := cfg["destinationKey"].(string)
	if destBucket == "" {
		destBucket = sourceBucket
	}

	result, err := client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(destBucket),
		Key:        aws.String(destKey),
		CopySource: aws.String(fmt.Sprintf("%s/%s", sourceBucket, sourceKey)),
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"sourceBucket": sourceBucket, "sourceKey": sourceKey,
		"destinationBucket": destBucket, "destinationKey": destKey,
		"etag": aws.ToString(result.CopyObjectResult.ETag),
	}, nil
}

func s3Move(ctx context.Context, client *s3.Client, cfg map[string]interface{}, region string) (map[string]interface{}, error) {
	result, err := s3Copy(ctx, client, cfg, region)
	if err != nil {
		return nil, err
	}
	sourceBucket, _ := cfg["sourceBucket"].(string)
	sourceKey, _ := cfg["sourceKey"].(string)
	if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(sourceBucket),
		Key:    aws.String(sourceKey),
	}); err != nil {
		return nil, fmt.Errorf("copy succeeded but source delete failed: %w", err)
	}
	result["moved"] = true
	return result, nil
}

func s3List(ctx context.Context, client *s3.Client, cfg map[string]interface{}, _ string) (map[string]interface{}, error) {
	bucket, _ := cfg["bucket"].(string)
	prefix, _ := cfg["prefix"].(string)
	maxKeys := int32(1000)
	if mk, ok := cfg["maxKeys"].(float64); ok {
		maxKeys = int32(mk)
	}

	result, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(maxKeys),
	})
	if err != nil {
		return nil, err
	}

	objects := make([]map[string]interface{}, len(result.Contents))
	for i, obj := range result.Contents {
		objects[i] = map[string]interface{}{
			"key":          aws.ToString(obj.Key),
			"size":         obj.Size,
			"lastModified": obj.LastModified,
			"etag":         aws.ToString(obj.ETag),
			"storageClass": string(obj.StorageClass),
		}
	}
	return map[string]interface{}{
		"bucket": bucket, "prefix": prefix,
		"objects": objects, "count": len(objects),
		"isTruncated": result.IsTruncated,
	}, nil
}

func s3Metadata(ctx context.Context, client *s3.Client, cfg map[string]interface{}, _ string) (map[string]interface{}, error) {
	bucket, _ := cfg["bucket"].(string)
	key, _ := cfg["key"].(string)
	result, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"bucket": bucket, "key": key,
		"contentType":  aws.ToString(result.ContentType),
		"size":         aws.ToInt64(result.ContentLength),
		"lastModified": result.LastModified,
		"etag":         aws.ToString(result.ETag),
		"metadata":     result.Metadata,
	}, nil
}

func s3ListBuckets(ctx context.Context, client *s3.Client, _ map[string]interface{}, _ string) (map[string]interface{}, error) {
	result, err := client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, err
	}
	buckets := make([]map[string]interface{}, len(result.Buckets))
	for i, b := range result.Buckets {
		buckets[i] = map[string]interface{}{
			"name":         aws.ToString(b.Name),
			"creationDate": b.CreationDate,
		}
	}
	return map[string]interface{}{"buckets": buckets, "count": len(buckets)}, nil
}

func s3PresignedURL(ctx context.Context, client *s3.Client, cfg map[string]interface{}, _ string) (map[string]interface{}, error) {
	bucket, _ := cfg["bucket"].(string)
	key, _ := cfg["key"].(string)
	expiresIn := int64(3600)
	if exp, ok := cfg["expiresIn"].(float64); ok {
		expiresIn = int64(exp)
	}

	presignClient := s3.NewPresignClient(client)
	result, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = time.Duration(expiresIn) * time.Second
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"bucket": bucket, "key": key,
		"url": result.URL, "expiresIn": expiresIn,
	}, nil
}

func init() {
	runtime.Register(NewS3Node())
}
