package utils

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"

	// Registered for image.Decode
	_ "image/gif"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/webp"

	"streamwise/db"
)

// AttachmentBuilder turns local files into message content parts
type AttachmentBuilder struct {
	maxFileSize  int64 // Maximum file size in bytes
	maxImageSize uint  // Maximum image dimension (width or height)
	imageQuality int   // JPEG quality (1-100)
}

// NewAttachmentBuilder creates a builder with default limits
func NewAttachmentBuilder() *AttachmentBuilder {
	return &AttachmentBuilder{
		maxFileSize:  10 * 1024 * 1024, // 10MB
		maxImageSize: 1024,             // 1024px
		imageQuality: 85,
	}
}

// FromFile reads filePath and returns an input_image part for images or an
// input_text part holding the file's contents for text files
func (b *AttachmentBuilder) FromFile(filePath string) (db.ContentPart, error) {
	fileInfo, err := os.Stat(filePath)
	if err != nil {
		return db.ContentPart{}, fmt.Errorf("file not found: %w", err)
	}
	if fileInfo.Size() > b.maxFileSize {
		return db.ContentPart{}, fmt.Errorf("file too large: %s (max %s)",
			FormatFileSize(fileInfo.Size()), FormatFileSize(b.maxFileSize))
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return db.ContentPart{}, fmt.Errorf("failed to read file: %w", err)
	}

	switch {
	case IsImageFile(filePath):
		return b.FromImageData(data)
	case IsTextFile(filePath):
		return db.ContentPart{
			Type: db.PartInputText,
			Text: fmt.Sprintf("File: %s\n\n%s", filepath.Base(filePath), string(data)),
		}, nil
	default:
		return db.ContentPart{}, fmt.Errorf("file type not supported: %s", GetMimeType(filePath))
	}
}

// FromImageData decodes an image, downsizes it to fit the size limit and
// returns it as an input_image part
func (b *AttachmentBuilder) FromImageData(data []byte) (db.ContentPart, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return db.ContentPart{}, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	width := uint(bounds.Dx())
	height := uint(bounds.Dy())

	if width > b.maxImageSize || height > b.maxImageSize {
		// Keep aspect ratio
		if width > height {
			img = resize.Resize(b.maxImageSize, 0, img, resize.Lanczos3)
		} else {
			img = resize.Resize(0, b.maxImageSize, img, resize.Lanczos3)
		}
	} else if format == "png" || format == "jpeg" {
		// Small enough and already in a format every provider accepts
		return db.ContentPart{Type: db.PartInputImage, ImageURL: DataURL("image/"+format, data)}, nil
	}

	var buf bytes.Buffer
	mimeType := "image/png"
	switch format {
	case "png":
		err = png.Encode(&buf, img)
	default:
		// Convert everything else to JPEG
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: b.imageQuality})
		mimeType = "image/jpeg"
	}
	if err != nil {
		return db.ContentPart{}, fmt.Errorf("failed to encode image: %w", err)
	}

	return db.ContentPart{Type: db.PartInputImage, ImageURL: DataURL(mimeType, buf.Bytes())}, nil
}
