package main

import (
	"log"

	"github.com/director74/dz9_saga/config"
	"github.com/director74/dz9_saga/internal/app"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Ошибка при загрузке конфигурации: %v", err)
	}

	sagaApp, err := app.NewApp(cfg)
	if err != nil {
		log.Fatalf("Ошибка при создании приложения: %v", err)
	}

	if err := sagaApp.Run(); err != nil {
		log.Fatalf("Ошибка при запуске приложения: %v", err)
	}
}
