package util

const (
	StorageLocal = "local"
	StorageMinio = "minio"
)

const MimeImage = "image/"

const MaxPhotoSize = 5 << 20

var (
	AllowedImageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp"}
)
