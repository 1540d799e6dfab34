package model

import "time"

type Shop struct {
	ID        int64     `gorm:"primaryKey;column:id" json:"id" msgpack:"id"`
	Name      string    `gorm:"column:name;type:varchar(128)" json:"name" msgpack:"name"`
	TypeID    int64     `gorm:"column:type_id;index" json:"typeId" msgpack:"typeId"`
	Images    string    `gorm:"column:images;type:varchar(1024)" json:"images" msgpack:"images"`
	Area      string    `gorm:"column:area;type:varchar(128)" json:"area" msgpack:"area"`
	Address   string    `gorm:"column:address;type:varchar(255)" json:"address" msgpack:"address"`
	X         float64   `gorm:"column:x" json:"x" msgpack:"x"`
	Y         float64   `gorm:"column:y" json:"y" msgpack:"y"`
	AvgPrice  int64     `gorm:"column:avg_price" json:"avgPrice" msgpack:"avgPrice"`
	Sold      int32     `gorm:"column:sold" json:"sold" msgpack:"sold"`
	Comments  int32     `gorm:"column:comments" json:"comments" msgpack:"comments"`
	Score     int32     `gorm:"column:score" json:"score" msgpack:"score"`
	OpenHours string    `gorm:"column:open_hours;type:varchar(32)" json:"openHours" msgpack:"openHours"`
	CreatedAt time.Time `gorm:"column:create_time;autoCreateTime" json:"createTime" msgpack:"createTime"`
	UpdatedAt time.Time `gorm:"column:update_time;autoUpdateTime" json:"updateTime" msgpack:"updateTime"`
}

func (Shop) TableName() string {
	return "tb_shop"
}
