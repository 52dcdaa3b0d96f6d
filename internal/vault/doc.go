// Package vault 定义金库的领域模型：所有者与 nonce 推导出的程序地址、
// 覆写请求及其校验规则。地址推导必须与链上程序逐字节一致。
package vault
