package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"chatsync/internal/imerr"
	"chatsync/internal/models"
)

// progressReader 包装一个 Reader，每次读取后通过回调上报累计字节数。
type progressReader struct {
	r        io.Reader
	total    int64
	written  int64
	progress func(written, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.written += int64(n)
		if p.progress != nil {
			p.progress(p.written, p.total)
		}
	}
	return n, err
}

// UploadFile 以 multipart 表单上传附件并返回服务端生成的文件元数据。
// 请求体通过管道流式产生，progress 在上传过程中持续回调。
func (r *httpConversationRepository) UploadFile(ctx context.Context, conversationID, fileName string, src io.Reader, size int64, progress func(written, total int64)) (*models.FileMetadata, error) {
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)

	go func() {
		part, err := form.CreateFormFile("file", fileName)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		counted := &progressReader{r: src, total: size, progress: progress}
		if _, err := io.Copy(part, counted); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(form.Close())
	}()

	url := r.baseURL + "/api/conversations/" + conversationID + "/files"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	r.authorize(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &imerr.TransportError{Op: "upload", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, responseError(resp)
	}

	var meta models.FileMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("反序列化上传响应失败: %w", err)
	}
	return &meta, nil
}
