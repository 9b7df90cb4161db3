package tools

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cloudwego/eino/components/model"
	einoschema "github.com/cloudwego/eino/schema"
)

var imageMIMETypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".bmp":  "image/bmp",
}

// AnalyzeImage sends a lesion image plus a clinical prompt to the vision
// backend and returns its free-text observation. File and format problems are
// reported in-band ("ERROR: ...") so callers can inject the text into an
// instruction without a separate error path; only transport failures return
// an error.
func AnalyzeImage(ctx context.Context, vision model.ToolCallingChatModel, imagePath, clinicalPrompt string) (string, error) {
	ext := strings.ToLower(filepath.Ext(imagePath))
	mime, ok := imageMIMETypes[ext]
	if !ok {
		return fmt.Sprintf("ERROR: Unsupported image format %q. Use jpg, png, or webp.", ext), nil
	}

	data, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Sprintf("ERROR: Image file not found at path: %s", imagePath), nil
	}

	msg := &einoschema.Message{
		Role: einoschema.User,
		MultiContent: []einoschema.ChatMessagePart{
			{
				Type: einoschema.ChatMessagePartTypeText,
				Text: clinicalPrompt,
			},
			{
				Type: einoschema.ChatMessagePartTypeImageURL,
				ImageURL: &einoschema.ChatMessageImageURL{
					URL:      "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data),
					MIMEType: mime,
				},
			},
		},
	}

	resp, err := vision.Generate(ctx, []*einoschema.Message{msg})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
