/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>

*/
package main

import "github.com/WW-AI-Lab/Dify-Batch/cmd"

func main() {
	cmd.Execute()
}
