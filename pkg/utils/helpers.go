package utils

import (
	"crypto/md5"
	"encoding/hex"
	"time"
)

// IntPtr 返回整数的指针
func IntPtr(i int) *int {
	return &i
}

// TimePtr 返回时间的指针，零值时间返回 nil
func TimePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// CalculateMD5 计算字节切片的 MD5 摘要，用于制品校验与日志追踪
func CalculateMD5(data []byte) string {
	hasher := md5.New()
	hasher.Write(data)
	return hex.EncodeToString(hasher.Sum(nil))
}
