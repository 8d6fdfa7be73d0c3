// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import "errors"

var (
	// ErrNotFound 表示记录不存在。
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate 表示唯一键冲突。
	ErrDuplicate = errors.New("duplicate record")
	// ErrDuplicateTransaction 表示同一 (账号, 原因, 引用) 的流水已存在。
	ErrDuplicateTransaction = errors.New("duplicate credit transaction")
	// ErrNegativeBalance 表示本次变更会让余额变为负数。
	ErrNegativeBalance = errors.New("balance would become negative")
)
