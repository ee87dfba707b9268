package client

import (
	"io"
	"strings"
)

// PromptLogin runs the login menu. ok is false when the user chose to exit.
func PromptLogin(console *Console) (username string, passwordHash string, ok bool, err error) {
	for {
		console.Println("Enter an Option (1 or 2)\n1. Login\n2. Exit")
		line, err := console.ReadLine()
		if err != nil {
			if err == io.EOF {
				return "", "", false, nil
			}
			return "", "", false, err
		}

		switch strings.TrimSpace(line) {
		case "":
			continue
		case "1":
			console.Print("Enter User Name:")
			username, err = console.ReadLine()
			if err != nil {
				return "", "", false, err
			}
			username = strings.TrimSpace(username)

			password, err := console.ReadPassword("Enter Password:")
			if err != nil {
				return "", "", false, err
			}
			return username, HashPassword(password), true, nil
		case "2":
			console.Println("Gracefully exiting")
			return "", "", false, nil
		default:
			console.Println("Invalid option. Try again!!")
		}
	}
}
