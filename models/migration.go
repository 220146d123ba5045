package models

import (
	"log"

	"bitbucket.org/mmdatafocus/directory_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Facility{},
		&ReviewCheck{}, &ReviewCheckTask{},
		&GiftCode{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
