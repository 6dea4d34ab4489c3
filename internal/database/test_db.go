package database

import (
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NewTestDB 创建独立的内存数据库，每次调用互不共享
func NewTestDB() (*gorm.DB, error) {
	return newMemoryDB(os.Stdout)
}

func newMemoryDB(logOut io.Writer) (*gorm.DB, error) {
	return open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()), logOut)
}

// CloseTestDB 关闭测试数据库
func CloseTestDB(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	sqlDB.Close()
}
