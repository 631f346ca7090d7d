package media

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/angelmondragon/storefront-backend/pkg/enums"
)

var allowedMimeTypesByKind = map[enums.MediaKind][]string{
	enums.MediaKindImage: {"image/png", "image/jpeg", "image/webp", "image/gif"},
	enums.MediaKindVideo: {"video/mp4", "video/webm"},
}

var mimeDescriptionsByKind = buildMimeDescriptions()

func buildMimeDescriptions() map[enums.MediaKind]string {
	result := make(map[enums.MediaKind]string, len(allowedMimeTypesByKind))
	for kind, types := range allowedMimeTypesByKind {
		names := make([]string, 0, len(types))
		for _, value := range types {
			names = append(names, strings.ToUpper(strings.TrimPrefix(value, kind.String()+"/")))
		}
		sort.Strings(names)
		result[kind] = humanReadableList(names)
	}
	return result
}

func humanReadableList(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	case 2:
		return fmt.Sprintf("%s or %s", items[0], items[1])
	default:
		return fmt.Sprintf("%s, or %s", strings.Join(items[:len(items)-1], ", "), items[len(items)-1])
	}
}

// sniff detects the content type from the leading bytes. The declared
// multipart header is ignored.
func sniff(head []byte, kind enums.MediaKind) (contentType, extension string, err error) {
	detected := mimetype.Detect(head)
	for _, allowed := range allowedMimeTypesByKind[kind] {
		if detected.Is(allowed) {
			return allowed, detected.Extension(), nil
		}
	}
	return "", "", fmt.Errorf("detected %s; %s uploads must be %s", detected.String(), kind, allowedMimeDescription(kind))
}

func allowedMimeDescription(kind enums.MediaKind) string {
	if msg, ok := mimeDescriptionsByKind[kind]; ok && msg != "" {
		return msg
	}
	return "an approved type"
}
