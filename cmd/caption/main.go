// caption: periodic frame capture and caption relay.
//
//	caption relay     run the relay server in front of the inference service
//	caption capture   capture frames from a camera and keep the latest caption
package main

func main() {
	Execute()
}
