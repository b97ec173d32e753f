package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stitchbase/atelier_backend/config"
	"github.com/stitchbase/atelier_backend/utils"
)

const maxUploadSizeBytes int64 = 5 * 1024 * 1024

var imageMimeTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

type uploadResponse struct {
	PhotoURL     string `json:"photoUrl"`
	ThumbnailURL string `json:"thumbnailUrl"`
	ObjectKey    string `json:"objectKey"`
}

// milestonePhotoUploadHandler accepts a multipart proof photo, stores the
// original plus a thumbnail in GCS, and returns the URL to pass to the
// milestone submission call.
func milestonePhotoUploadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		userId, ok := utils.GetUserIdFromContext(c.Request.Context())
		if !ok || userId == 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		fileHeader, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
			return
		}
		if fileHeader.Size > maxUploadSizeBytes {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file size exceeds 5MB limit"})
			return
		}
		mimeType := fileHeader.Header.Get("Content-Type")
		if !imageMimeTypes[mimeType] {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported image type"})
			return
		}

		file, err := fileHeader.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid file"})
			return
		}
		defer file.Close()

		data, err := io.ReadAll(io.LimitReader(file, maxUploadSizeBytes+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid file"})
			return
		}
		if int64(len(data)) > maxUploadSizeBytes {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file size exceeds 5MB limit"})
			return
		}

		// Decode up front: a file that isn't a real image is rejected here,
		// not discovered later when the customer opens the proof.
		img, err := imaging.Decode(bytes.NewReader(data))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file is not a decodable image"})
			return
		}

		ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
		if ext == "" {
			ext = extensionFromMimeType(mimeType)
		}
		objectKey := path.Join("milestone-photos", fmt.Sprintf("%d", userId), uuid.New().String()+ext)

		ctx := c.Request.Context()
		photoURL, err := utils.UploadObjectToGCS(ctx, objectKey, mimeType, data)
		if err != nil {
			logUploadError(logger, err, c)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "upload failed"})
			return
		}

		thumbnail := imaging.Resize(img, 200, 0, imaging.Lanczos)
		var buf bytes.Buffer
		thumbnailURL := ""
		thumbnailKey := thumbnailObjectKey(objectKey)
		if err := imaging.Encode(&buf, thumbnail, imaging.JPEG); err == nil {
			thumbnailURL, err = utils.UploadObjectToGCS(ctx, thumbnailKey, "image/jpeg", buf.Bytes())
			if err != nil {
				// Thumbnail is a nicety; the original is already stored.
				logUploadError(logger, err, c)
				thumbnailURL = ""
			}
		}

		logger.WithFields(logrus.Fields{
			"user_id":    userId,
			"mime_type":  mimeType,
			"size":       len(data),
			"object_key": objectKey,
		}).Info("[upload.milestone-photo]")

		c.JSON(http.StatusOK, gin.H{"data": uploadResponse{
			PhotoURL:     photoURL,
			ThumbnailURL: thumbnailURL,
			ObjectKey:    objectKey,
		}})
	}
}

func thumbnailObjectKey(objectKey string) string {
	dir := path.Dir(objectKey)
	filename := path.Base(objectKey)
	return path.Join(dir, "thumbnails", filename)
}

func extensionFromMimeType(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	default:
		return ""
	}
}

func logUploadError(logger *logrus.Logger, err error, c *gin.Context) {
	requestID := strings.TrimSpace(c.GetHeader("X-Correlation-Id"))
	if requestID == "" {
		requestID = fmt.Sprintf("upload-%d", time.Now().UnixNano())
	}
	logger.WithFields(logrus.Fields{
		"error":      err.Error(),
		"request_id": requestID,
	}).Error("[upload.error]")
}
