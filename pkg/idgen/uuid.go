package idgen

import "github.com/google/uuid"

// NewUUID 生成新的 VDI UUID
func NewUUID() string {
	return uuid.NewString()
}

// NameUUID 由名字生成稳定的 UUID，同一个名字总是得到同一个 UUID
func NameUUID(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// IsUUID 判断字符串是否为合法的 UUID
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
