package main

import (
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/swiftreplies/wabroker/cmd"
)

func main() {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("[APP] No .env file, using process environment")
	}
	cmd.Execute()
}
