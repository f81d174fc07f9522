// Package objectstore 提供 S3 兼容对象存储的访问，以及对象与沙箱文件之间的传输。
package objectstore
