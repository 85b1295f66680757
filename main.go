package main

import "github.com/SkyHanniStudios/DiscordBot-sub000/cmd"

func main() {
	cmd.Execute()
}
