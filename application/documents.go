package application

import (
	"context"
	"path"

	"go.uber.org/zap"
)

// Uploader stores document bytes and returns a retrievable URL.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// PlaceholderURL is written when the upload of a document failed.
func PlaceholderURL(applicationID, fileName string) string {
	return "pending-upload://" + applicationID + "/" + fileName
}

func storageKey(applicationID, documentID, fileName string) string {
	return path.Join("applications", applicationID, documentID+"-"+path.Base(fileName))
}

// uploadDocuments pushes every document to storage before the application
// transaction starts. A failed upload keeps the document with a placeholder
// URL so the submission itself still goes through.
func (s *Service) uploadDocuments(ctx context.Context, applicationID string, uploads []DocumentUpload) []Document {
	docs := make([]Document, 0, len(uploads))
	for _, up := range uploads {
		contentType := up.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		doc := Document{
			DocumentID:   s.docIDGenerator(),
			DocumentType: up.DocumentType,
			FileName:     up.FileName,
			ContentType:  contentType,
			Size:         int64(len(up.Content)),
		}
		doc.StorageKey = storageKey(applicationID, doc.DocumentID, up.FileName)

		if s.uploader == nil {
			doc.URL = PlaceholderURL(applicationID, up.FileName)
			docs = append(docs, doc)
			continue
		}
		url, err := s.uploader.Upload(ctx, doc.StorageKey, up.Content, contentType)
		if err != nil {
			s.logger.Warn("document upload failed, using placeholder url",
				zap.String("application_id", applicationID),
				zap.String("file_name", up.FileName),
				zap.Error(err),
			)
			s.metrics.DocumentUploadFailed()
			url = PlaceholderURL(applicationID, up.FileName)
		}
		doc.URL = url
		docs = append(docs, doc)
	}
	return docs
}
