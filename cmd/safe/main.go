package main

import (
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/riddlenet/riddle/util"
)

var usage = `Usage:

	safe <path-to-vault-file> <command>

The commands are:

	create    create a new vault file with a fresh node key
	show      print the node token stored in the vault

`

func readPassword(phrase string) []byte {
	fmt.Println(phrase)
	for {
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			fmt.Printf("could not read password: %v\n", err)
			os.Exit(1)
		}
		if len(password) > 0 {
			return password
		}
		fmt.Println("try again:")
	}
}

func create(path string) {
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("%s already exists\n", path)
		os.Exit(1)
	}
	password := readPassword("provide a password for the new vault:")
	again := readPassword("confirm the password:")
	if string(password) != string(again) {
		fmt.Println("passwords do not match")
		os.Exit(1)
	}
	vault, err := util.NewSecureVault(password, path)
	if err != nil {
		fmt.Printf("could not create vault: %v\n", err)
		os.Exit(1)
	}
	defer vault.Close()
	fmt.Printf("vault created, node token: %v\n", vault.SecretKey.PublicKey())
}

func show(path string) {
	password := readPassword("provide the vault password:")
	vault, err := util.OpenVaultFromPassword(password, path)
	if err != nil {
		fmt.Printf("could not open vault: %v\n", err)
		os.Exit(1)
	}
	defer vault.Close()
	fmt.Printf("node token: %v\n", vault.SecretKey.PublicKey())
}

func main() {
	if len(os.Args) != 3 {
		fmt.Print(usage)
		os.Exit(1)
	}
	path := os.Args[1]
	switch os.Args[2] {
	case "create":
		create(path)
	case "show":
		show(path)
	default:
		fmt.Print(usage)
		os.Exit(1)
	}
}
